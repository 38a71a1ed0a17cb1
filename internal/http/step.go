package http

import (
	"context"
	"fmt"

	"stagehand/internal/config"
	"stagehand/internal/core"
	"stagehand/internal/template"
)

// Step is a request declared in configuration. Path, body and headers may
// reference scenario variables, and values extracted from the response are
// stored back into them.
type Step struct {
	config config.StepConfig
}

func NewStep(cfg config.StepConfig) *Step {
	return &Step{config: cfg}
}

func (s *Step) Name() string {
	return s.config.Name
}

// Actor names the actor whose client executes the step.
func (s *Step) Actor() string {
	return s.config.Actor
}

// Execute renders the step against vars and sends it with client.
func (s *Step) Execute(ctx context.Context, client *Client, vars core.Variables) error {
	path, err := template.Substitute(s.config.Path, vars)
	if err != nil {
		return fmt.Errorf("step %s: path: %w", s.config.Name, err)
	}
	body, err := template.Substitute(s.config.Body, vars)
	if err != nil {
		return fmt.Errorf("step %s: body: %w", s.config.Name, err)
	}
	headers, err := template.SubstituteMap(s.config.Headers, vars)
	if err != nil {
		return fmt.Errorf("step %s: %w", s.config.Name, err)
	}

	req := Request{
		Name:    s.config.Name,
		Method:  s.config.Method,
		Path:    path,
		Headers: headers,
		Expect:  s.config.Expect,
	}
	if body != "" {
		req.Body = body
	}

	resp, err := client.Do(ctx, req)
	if err != nil {
		return err
	}

	if len(s.config.Extract) > 0 {
		extracted, err := template.Extract(resp.Body, s.config.Extract)
		if err != nil {
			return fmt.Errorf("step %s: %w", s.config.Name, err)
		}
		for k, v := range extracted {
			vars.Set(k, v)
		}
	}
	return nil
}
