package simulate

import (
	"context"
	"math"
	"testing"
)

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid", Request{FMUID: "msl:BouncingBall", StopTime: 10, Step: 0.1}, false},
		{"missing fmu", Request{StopTime: 10, Step: 0.1}, true},
		{"zero stop time", Request{FMUID: "x", Step: 0.1}, true},
		{"negative step", Request{FMUID: "x", StopTime: 10, Step: -1}, true},
		{"step larger than stop", Request{FMUID: "x", StopTime: 1, Step: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFirstOrderRunner_Deterministic(t *testing.T) {
	runner := &FirstOrderRunner{}
	req := Request{
		FMUID:       "msl:ThermalSystem",
		StopTime:    10,
		Step:        0.5,
		StartValues: map[string]float64{"heatLoad": 5000},
	}

	first, err := runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	second, err := runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(first.Time) != len(second.Time) {
		t.Fatalf("Runs differ in length: %d vs %d", len(first.Time), len(second.Time))
	}

	for i := range first.Series["heatLoad"] {
		if first.Series["heatLoad"][i] != second.Series["heatLoad"][i] {
			t.Fatalf("Runs differ at sample %d", i)
		}
	}
}

func TestFirstOrderRunner_ApproachesTarget(t *testing.T) {
	runner := &FirstOrderRunner{TimeConstant: 1}
	req := Request{
		FMUID:       "msl:ThermalSystem",
		StopTime:    20,
		Step:        0.5,
		StartValues: map[string]float64{"setpoint": 100},
	}

	result, err := runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	series := result.Series["setpoint"]
	final := series[len(series)-1]
	if math.Abs(final-100) > 1 {
		t.Errorf("Expected final value near 100, got %f", final)
	}

	if series[0] != 0 {
		t.Errorf("Expected response to start at 0, got %f", series[0])
	}
}

func TestFirstOrderRunner_DefaultOutput(t *testing.T) {
	runner := &FirstOrderRunner{}
	req := Request{FMUID: "msl:BouncingBall", StopTime: 1, Step: 0.1}

	result, err := runner.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, ok := result.Series["output"]; !ok {
		t.Error("Expected default output series when no start values given")
	}
}
