package simulate

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Request describes one simulation run of an FMU.
type Request struct {
	FMUID       string             `json:"fmu_id"`
	StopTime    float64            `json:"stop_time"`
	Step        float64            `json:"step"`
	StartValues map[string]float64 `json:"start_values,omitempty"`
}

func (r *Request) Validate() error {
	if r.FMUID == "" {
		return fmt.Errorf("fmu_id required")
	}
	if r.StopTime <= 0 {
		return fmt.Errorf("stop_time must be positive")
	}
	if r.Step <= 0 || r.Step > r.StopTime {
		return fmt.Errorf("step must be positive and no larger than stop_time")
	}
	return nil
}

// Result holds the sampled trajectories of a run.
type Result struct {
	Time   []float64            `json:"t"`
	Series map[string][]float64 `json:"y"`
}

// Runner executes FMUs. The numeric solver lives behind this interface;
// the gateway only cares that runs are deterministic for a given request.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// FirstOrderRunner produces first-order step responses toward each start
// value. It stands in for the FMI solver in development and tests.
type FirstOrderRunner struct {
	// TimeConstant shapes the response; defaults to a fifth of stop_time.
	TimeConstant float64
}

func (fr *FirstOrderRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	steps := int(math.Floor(req.StopTime/req.Step)) + 1

	names := make([]string, 0, len(req.StartValues))
	for name := range req.StartValues {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		names = []string{"output"}
	}

	tau := fr.TimeConstant
	if tau <= 0 {
		tau = req.StopTime / 5
	}

	result := &Result{
		Time:   make([]float64, 0, steps),
		Series: make(map[string][]float64, len(names)),
	}

	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		t := float64(i) * req.Step
		result.Time = append(result.Time, t)

		for _, name := range names {
			target, ok := req.StartValues[name]
			if !ok {
				target = 1.0
			}
			value := target * (1 - math.Exp(-t/tau))
			result.Series[name] = append(result.Series[name], value)
		}
	}

	return result, nil
}
