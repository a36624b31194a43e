package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	osExec "os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/sequencer/sequence"
	"github.com/swarmguard/sequencer/store"
)

// pluginSet turns task specs into engine actions. Parent artifacts arrive
// positionally in depends_on order and are exposed to {{parent.field}}
// templates in URLs, headers, bodies and commands.
type pluginSet struct {
	client          *http.Client
	allowedCommands map[string]bool
	tracer          trace.Tracer
}

func newPluginSet(client *http.Client) *pluginSet {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	// Only allow safe commands
	allowed := map[string]bool{
		"echo": true,
		"cat":  true,
		"grep": true,
		"awk":  true,
		"sed":  true,
		"jq":   true,
		"curl": true,
		"wget": true,
		"true": true,
	}

	return &pluginSet{
		client:          client,
		allowedCommands: allowed,
		tracer:          otel.Tracer("sequencer-plugins"),
	}
}

// actionFor builds the engine action backing one task spec.
func (p *pluginSet) actionFor(spec store.TaskSpec) (sequence.Action, error) {
	switch spec.Kind {
	case store.TaskHTTP:
		if spec.URL == "" {
			return nil, fmt.Errorf("http task %q requires a url", spec.ID)
		}
		return p.httpAction(spec), nil
	case store.TaskShell:
		if spec.Command == "" {
			return nil, fmt.Errorf("shell task %q requires a command", spec.ID)
		}
		return p.shellAction(spec), nil
	default:
		return nil, fmt.Errorf("unsupported task kind: %q", spec.Kind)
	}
}

func (p *pluginSet) httpAction(spec store.TaskSpec) sequence.Action {
	return func(ctx context.Context, args []any) (any, error) {
		ctx, span := p.tracer.Start(ctx, "http.request",
			trace.WithAttributes(
				attribute.String("url", spec.URL),
				attribute.String("method", spec.Method),
			),
		)
		defer span.End()

		parents := parentArtifacts(spec.DependsOn, args)
		url := resolveTemplate(spec.URL, parents)

		var body io.Reader
		if spec.Body != nil {
			bodyJSON, err := json.Marshal(spec.Body)
			if err != nil {
				return nil, fmt.Errorf("marshal body: %w", err)
			}
			body = strings.NewReader(resolveTemplate(string(bodyJSON), parents))
		}

		method := spec.Method
		if method == "" {
			method = http.MethodPost
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Sequencer-Task", spec.ID)
		for key, value := range spec.Headers {
			req.Header.Set(key, resolveTemplate(value, parents))
		}

		// Propagate trace context
		otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("execute request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10MB limit
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
		}

		var result map[string]any
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &result); err != nil {
				// Non-JSON response
				result = map[string]any{
					"body":        string(respBody),
					"status_code": resp.StatusCode,
				}
			}
		} else {
			result = map[string]any{
				"status_code": resp.StatusCode,
			}
		}
		return result, nil
	}
}

func (p *pluginSet) shellAction(spec store.TaskSpec) sequence.Action {
	return func(ctx context.Context, args []any) (any, error) {
		ctx, span := p.tracer.Start(ctx, "shell.execute",
			trace.WithAttributes(attribute.String("command", spec.Command)),
		)
		defer span.End()

		parents := parentArtifacts(spec.DependsOn, args)
		parts := strings.Fields(resolveTemplate(spec.Command, parents))
		if len(parts) == 0 {
			return nil, fmt.Errorf("empty command")
		}
		if !p.allowedCommands[parts[0]] {
			return nil, fmt.Errorf("command not allowed: %s", parts[0])
		}

		cmd := osExec.CommandContext(ctx, parts[0], parts[1:]...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("command failed: %w\nstderr: %s", err, stderr.String())
		}

		return map[string]any{
			"stdout":    stdout.String(),
			"stderr":    stderr.String(),
			"exit_code": cmd.ProcessState.ExitCode(),
		}, nil
	}
}

// parentArtifacts zips the declared parent ids with the positional
// artifact slots the engine hands the action.
func parentArtifacts(dependsOn []string, args []any) map[string]any {
	parents := make(map[string]any, len(dependsOn))
	for i, id := range dependsOn {
		if i < len(args) {
			parents[id] = args[i]
		}
	}
	return parents
}

// resolveTemplate replaces {{parent_id.field}} with values from parent
// artifacts.
func resolveTemplate(template string, parents map[string]any) string {
	result := template
	for taskID, artifact := range parents {
		artifactMap, ok := artifact.(map[string]any)
		if !ok {
			continue
		}
		for field, value := range artifactMap {
			placeholder := fmt.Sprintf("{{%s.%s}}", taskID, field)
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return result
}

// headerCarrier adapts http.Header for OpenTelemetry propagation
type headerCarrier struct {
	header http.Header
}

func (hc *headerCarrier) Get(key string) string {
	return hc.header.Get(key)
}

func (hc *headerCarrier) Set(key, value string) {
	hc.header.Set(key, value)
}

func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}
