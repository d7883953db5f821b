package gaussian

import "github.com/chewxy/math32"

// Sigmoid is the opacity activation: logit space -> [0, 1].
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// InvSigmoid maps an opacity in (0, 1) back to logit space.
// The input is clamped away from 0 and 1 to keep the result finite.
func InvSigmoid(y float32) float32 {
	const eps = 1e-7
	if y < eps {
		y = eps
	}
	if y > 1-eps {
		y = 1 - eps
	}
	return math32.Log(y / (1 - y))
}

// RotateVec rotates v by the unit quaternion q (w, x, y, z).
func RotateVec(q [4]float32, v [3]float32) [3]float32 {
	w, x, y, z := q[0], q[1], q[2], q[3]

	// t = 2 * cross(q.xyz, v)
	tx := 2 * (y*v[2] - z*v[1])
	ty := 2 * (z*v[0] - x*v[2])
	tz := 2 * (x*v[1] - y*v[0])

	// v' = v + w*t + cross(q.xyz, t)
	return [3]float32{
		v[0] + w*tx + y*tz - z*ty,
		v[1] + w*ty + z*tx - x*tz,
		v[2] + w*tz + x*ty - y*tx,
	}
}
