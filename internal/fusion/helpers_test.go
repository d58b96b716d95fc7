package fusion

import (
	"math"

	"github.com/relabs-tech/magnetic_fusion/internal/residual"
)

func residualField(x, y, z float64) residual.Field {
	return residual.Field{X: x, Y: y, Z: z, Magnitude: math.Sqrt(x*x + y*y + z*z)}
}
