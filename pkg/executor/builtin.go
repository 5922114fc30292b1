package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltins adds the executors the engine ships with. They double as
// the vocabulary for smoke tests and example workflows.
func RegisterBuiltins(r *Registry) error {
	for _, e := range []Executor{
		&echoExecutor{},
		&uppercaseExecutor{},
		&sleepExecutor{},
		&rangeExecutor{},
	} {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// echoExecutor returns its input unchanged.
type echoExecutor struct{}

func (e *echoExecutor) Name() string { return "echo" }

func (e *echoExecutor) Execute(ctx context.Context, ec *Context) (*Result, error) {
	data := ec.InputData
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return OK(data), nil
}

// uppercaseExecutor upper-cases every string value of its input object.
type uppercaseExecutor struct{}

func (e *uppercaseExecutor) Name() string { return "uppercase" }

func (e *uppercaseExecutor) Execute(ctx context.Context, ec *Context) (*Result, error) {
	var input map[string]interface{}
	if err := json.Unmarshal(ec.InputData, &input); err != nil {
		return Fail("VALIDATION", fmt.Sprintf("uppercase expects a JSON object: %v", err)), nil
	}
	for k, v := range input {
		if s, ok := v.(string); ok {
			input[k] = strings.ToUpper(s)
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	return OK(data), nil
}

func (e *uppercaseExecutor) Validate(config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	var m map[string]interface{}
	return json.Unmarshal(config, &m)
}

// sleepExecutor blocks for the configured duration, honouring cancellation.
type sleepExecutor struct{}

func (e *sleepExecutor) Name() string { return "sleep" }

func (e *sleepExecutor) Execute(ctx context.Context, ec *Context) (*Result, error) {
	var cfg struct {
		DurationMs int `json:"durationMs"`
	}
	if len(ec.InputData) > 0 {
		if err := json.Unmarshal(ec.InputData, &cfg); err != nil {
			return Fail("VALIDATION", fmt.Sprintf("sleep expects {durationMs}: %v", err)), nil
		}
	}
	select {
	case <-time.After(time.Duration(cfg.DurationMs) * time.Millisecond):
		return OK(json.RawMessage(`{"slept":true}`)), nil
	case <-ctx.Done():
		return Fail("TIMEOUT", ctx.Err().Error()), nil
	}
}

// rangeExecutor is a loop data source producing {index: i} items. With
// count 0 it produces an empty list, which is a valid loop input.
type rangeExecutor struct{}

func (e *rangeExecutor) Name() string { return "range" }

func (e *rangeExecutor) Execute(ctx context.Context, ec *Context) (*Result, error) {
	var cfg struct {
		Count int `json:"count"`
	}
	src := ec.Config
	if len(src) == 0 {
		src = ec.InputData
	}
	if len(src) > 0 {
		if err := json.Unmarshal(src, &cfg); err != nil {
			return Fail("VALIDATION", fmt.Sprintf("range expects {count}: %v", err)), nil
		}
	}
	if cfg.Count < 0 {
		return Fail("VALIDATION", "range count must be >= 0"), nil
	}
	items := make([]map[string]int, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		items = append(items, map[string]int{"index": i})
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return OK(data), nil
}
