package polar

import (
	"context"

	"polaralign/internal/solver"
)

// Report bundles everything a caller shows after a two-frame solve.
type Report struct {
	SensorCenter solver.Point  `json:"sensor_center"`
	AxisCenter   solver.Point  `json:"axis_center"`
	Result       solver.Result `json:"result"`
	Error        AngularError  `json:"error"`
	Optics       Optics        `json:"optics"`
}

// Status folds the solver status with the optics check. Pixel results stay
// valid when only the optics are missing.
func (r Report) Status() solver.Status {
	if !r.Result.OK {
		return r.Result.Status
	}
	if !r.Error.OK {
		return solver.StatusInvalidOptics
	}
	return solver.StatusOK
}

// OK is true only when both the solve and the conversion succeeded.
func (r Report) OK() bool { return r.Status() == solver.StatusOK }

// Message returns the most actionable text for the current status.
func (r Report) Message() string {
	if !r.Result.OK {
		return r.Result.Message
	}
	return r.Error.Message
}

// Analyze solves a frame pair and converts the axis offset using optics.
func Analyze(ctx context.Context, a, b *solver.Image, opts solver.Options, optics Optics) (Report, error) {
	res, err := solver.SolveContext(ctx, a, b, opts)
	if err != nil {
		return Report{}, err
	}
	return NewReport(res, optics), nil
}

// NewReport converts an existing solver result.
func NewReport(res solver.Result, optics Optics) Report {
	rep := Report{
		SensorCenter: res.ImageCenter,
		AxisCenter:   res.Center,
		Result:       res,
		Optics:       optics,
	}
	if res.OK {
		rep.Error = Convert(res.Offset.X, res.Offset.Y, optics)
	} else {
		rep.Error = Unavailable(res.Message)
	}
	return rep
}
