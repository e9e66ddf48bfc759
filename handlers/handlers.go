// Package handlers provides the built-in handler set: echo and forward for
// wiring and debugging, and the control-plane trim and instance-info
// handlers. Register them once at startup; configurations refer to them by
// designation like any application handler.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/broker"
)

// Module is the registry module name the built-in handlers live under.
const Module = "relay.handlers"

// Handler names within Module.
const (
	NameEcho         = "echo"
	NameForward      = "forward"
	NameTrim         = "trim"
	NameInstanceInfo = "instance_info"
)

// Register adds every built-in handler to the registry.
func Register(reg *relay.Registry) error {
	for name, factory := range map[string]relay.Factory{
		NameEcho:         echoFactory,
		NameForward:      forwardFactory,
		NameTrim:         trimFactory,
		NameInstanceInfo: instanceInfoFactory,
	} {
		if err := reg.RegisterHandler(Module, name, factory); err != nil {
			return err
		}
	}
	return nil
}

// Control returns the control-stream events served by the built-in handlers,
// for use with relay.WithControlHandlers. The shutdown event is built into
// the supervisor and is not listed here.
func Control() map[string]*relay.CodeDesignation {
	return map[string]*relay.CodeDesignation{
		"trim":          {ModuleName: Module, Name: NameTrim},
		"echo":          {ModuleName: Module, Name: NameEcho, Kwargs: map[string]any{"transmit_response": true}},
		"instance_info": {ModuleName: Module, Name: NameInstanceInfo},
	}
}

func checkKwargs(kwargs map[string]any, allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		ok[k] = true
	}
	for k := range kwargs {
		if !ok[k] {
			return fmt.Errorf("unknown kwarg %q", k)
		}
	}
	return nil
}

func kwargString(kwargs map[string]any, key string) string {
	if v, ok := kwargs[key].(string); ok {
		return v
	}
	return ""
}

func kwargBool(kwargs map[string]any, key string) bool {
	if v, ok := kwargs[key].(bool); ok {
		return v
	}
	return false
}

// kwargInt reads an integer kwarg. JSON numbers arrive as float64.
func kwargInt(kwargs map[string]any, key string) (int64, bool) {
	switch v := kwargs[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// stringifyFields flattens a decoded payload back into publishable string
// fields. Compound values are re-encoded as JSON.
func stringifyFields(fields relay.Fields) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = val
		case map[string]any, []any:
			if doc, err := json.Marshal(val); err == nil {
				out[k] = string(doc)
				continue
			}
			out[k] = fmt.Sprint(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// echoFactory logs every message it receives. With the transmit_response
// kwarg set, it also publishes the fields back on the originating stream so a
// producer can observe the round trip.
func echoFactory(kwargs map[string]any) (relay.HandlerFunc, error) {
	if err := checkKwargs(kwargs, "transmit_response"); err != nil {
		return nil, err
	}
	transmit := kwargBool(kwargs, "transmit_response")

	return func(ctx context.Context, payload any, inv *relay.Invocation) error {
		fields, ok := payload.(relay.Fields)
		if !ok {
			return fmt.Errorf("echo expects a generic payload, got %T", payload)
		}

		inv.Logger().Info("echo", "fields", map[string]any(fields))

		if !transmit {
			return nil
		}
		out := stringifyFields(fields)
		delete(out, broker.EventField)
		out["echoed_by"] = inv.Application + ":" + inv.Instance
		return inv.Reply(ctx, out)
	}, nil
}

// forwardFactory republishes each message onto the stream named by the
// target_stream kwarg, preserving its fields.
func forwardFactory(kwargs map[string]any) (relay.HandlerFunc, error) {
	if err := checkKwargs(kwargs, "target_stream"); err != nil {
		return nil, err
	}
	target := kwargString(kwargs, "target_stream")
	if target == "" {
		return nil, fmt.Errorf("forward requires a target_stream kwarg")
	}

	return func(ctx context.Context, payload any, inv *relay.Invocation) error {
		fields, ok := payload.(relay.Fields)
		if !ok {
			return fmt.Errorf("forward expects a generic payload, got %T", payload)
		}
		if target == inv.Stream {
			return fmt.Errorf("refusing to forward %s back onto %s", inv.MessageID, target)
		}
		return inv.Publish(ctx, target, stringifyFields(fields))
	}, nil
}

// instanceInfoFactory answers with the identity of the process that handled
// the message. Every instance listening on the stream responds, which is the
// point: it enumerates who is alive.
func instanceInfoFactory(kwargs map[string]any) (relay.HandlerFunc, error) {
	if err := checkKwargs(kwargs); err != nil {
		return nil, err
	}

	return func(ctx context.Context, payload any, inv *relay.Invocation) error {
		hostname, _ := os.Hostname()
		return inv.Reply(ctx, map[string]string{
			"application_name": inv.Application,
			"instance":         inv.Instance,
			"listener":         inv.Listener,
			"hostname":         hostname,
			"pid":              fmt.Sprint(os.Getpid()),
		})
	}, nil
}

// trimRecord is one stream entry dumped before trimming.
type trimRecord struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

type trimDump struct {
	Stream    string       `json:"stream"`
	TrimmedAt time.Time    `json:"trimmed_at"`
	MaxLength int64        `json:"max_length"`
	Records   []trimRecord `json:"records"`
}

// trimFactory caps a stream's length. The stream and limit come from the
// message fields ("stream", "max_length"), with the max_length kwarg as the
// fallback limit. With the save_output kwarg set, the records currently in
// the stream are dumped to that file as JSON before trimming.
func trimFactory(kwargs map[string]any) (relay.HandlerFunc, error) {
	if err := checkKwargs(kwargs, "max_length", "save_output"); err != nil {
		return nil, err
	}
	defaultMax, _ := kwargInt(kwargs, "max_length")
	saveOutput := kwargString(kwargs, "save_output")

	return func(ctx context.Context, payload any, inv *relay.Invocation) error {
		fields, ok := payload.(relay.Fields)
		if !ok {
			return fmt.Errorf("trim expects a generic payload, got %T", payload)
		}

		stream := fields.String("stream")
		if stream == "" {
			return fmt.Errorf("trim signal names no stream")
		}

		maxLen := defaultMax
		if v, ok := fields["max_length"].(int64); ok {
			maxLen = v
		}
		if maxLen <= 0 {
			return fmt.Errorf("trim of %q has no positive max_length", stream)
		}

		trimmer, ok := inv.Conn().(broker.Trimmer)
		if !ok {
			return fmt.Errorf("connection does not support stream trimming")
		}

		length, err := trimmer.Len(ctx, stream)
		if err != nil {
			return fmt.Errorf("measure %q: %w", stream, err)
		}
		if length <= maxLen {
			inv.Logger().Info("stream already within limit", "stream", stream, "length", length, "max_length", maxLen)
			return nil
		}

		if saveOutput != "" {
			if err := dumpStream(ctx, trimmer, stream, length, maxLen, saveOutput); err != nil {
				return err
			}
		}

		if err := trimmer.Trim(ctx, stream, maxLen); err != nil {
			return fmt.Errorf("trim %q: %w", stream, err)
		}
		inv.Logger().Info("trimmed stream", "stream", stream, "length", length, "max_length", maxLen)
		return nil
	}, nil
}

func dumpStream(ctx context.Context, trimmer broker.Trimmer, stream string, length, maxLen int64, path string) error {
	msgs, err := trimmer.Range(ctx, stream, length)
	if err != nil {
		return fmt.Errorf("dump %q: %w", stream, err)
	}

	dump := trimDump{
		Stream:    stream,
		TrimmedAt: time.Now().UTC(),
		MaxLength: maxLen,
		Records:   make([]trimRecord, 0, len(msgs)),
	}
	for _, m := range msgs {
		dump.Records = append(dump.Records, trimRecord{ID: m.ID, Fields: m.Fields})
	}

	doc, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("dump %q: %w", stream, err)
	}
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("dump %q to %s: %w", stream, path, err)
	}
	return nil
}
