package chatmix

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Gateway abstracts the PipeWire command-line surface (pw-dump, pw-cli,
// pw-link, wpctl) that the session manager and the poll loop talk to.
// Implementations are expected to be synchronous and promptly-returning;
// the only slow path is AwaitReachable, which is explicitly bounded.
type Gateway interface {
	IsReachable() bool
	AwaitReachable(attempts uint, delay time.Duration) error

	// DefaultOutput returns the current default sink's node name and, when
	// resolvable, its numeric id. An empty name means the default couldn't
	// be determined at all.
	DefaultOutput() (name string, id string)

	CreateNullSink(name string, description string) error

	// DestroySink removes the named sink, reporting whether one existed.
	// Absence is not an error.
	DestroySink(name string) bool

	LinkPorts(sourcePort string, destPort string) error

	// FindNodeID resolves a node's numeric id by pattern-matching the wpctl
	// status listing. expr is a regular expression fragment matched against
	// the node's listed name/description.
	FindNodeID(expr string) (string, error)

	SetVolume(id string, level float32) error
	SetDefault(id string) error
}

// commandRunner executes one external command and returns its combined
// output. Swapped out in tests.
type commandRunner func(name string, args ...string) ([]byte, error)

// PipeWireGateway drives a PipeWire instance through its CLI tools.
// Everything here is best-effort text plumbing: pattern-matching ids out of
// wpctl's human-oriented output is inherently fragile, which is why callers
// must tolerate unresolved ids (the role is simply skipped).
type PipeWireGateway struct {
	logger *zap.SugaredLogger
	run    commandRunner
}

const nullSinkProps = `{ factory.name=support.null-audio-sink node.name=%s node.description="%s" media.class=Audio/Sink monitor.channel-volumes=true object.linger=true audio.position=[FL FR] }`

var (
	nodeNameRegex    = regexp.MustCompile(`node\.name\s*=\s*"([^"]+)"`)
	noSuchObjectHint = "no such object"
)

// NewPipeWireGateway creates a gateway backed by the pw-* and wpctl binaries
// found on PATH
func NewPipeWireGateway(logger *zap.SugaredLogger) *PipeWireGateway {
	logger = logger.Named("gateway")

	gw := &PipeWireGateway{
		logger: logger,
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}

	logger.Debug("Created PipeWire gateway instance")

	return gw
}

// IsReachable reports whether the PipeWire daemon answers a dump request
func (gw *PipeWireGateway) IsReachable() bool {
	out, err := gw.run("pw-dump")
	if err != nil {
		return false
	}

	trimmed := strings.TrimSpace(string(out))

	// pw-dump prints a JSON array when connected, and a connection complaint otherwise
	return strings.HasPrefix(trimmed, "[") && !strings.Contains(strings.ToLower(trimmed), "can't connect")
}

// AwaitReachable polls for PipeWire availability with bounded retries so the
// daemon can't hang forever when started before the user session's audio stack
func (gw *PipeWireGateway) AwaitReachable(attempts uint, delay time.Duration) error {
	for attempt := uint(0); attempt < attempts; attempt++ {
		if gw.IsReachable() {
			gw.logger.Debugw("PipeWire reachable", "attempt", attempt+1)
			return nil
		}

		time.Sleep(delay)
	}

	return fmt.Errorf("pipewire unreachable after %d attempts", attempts)
}

// pwMetadataEntry is one entry of a PipeWire:Interface:Metadata object as
// printed by pw-dump
type pwMetadataEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type pwObject struct {
	Type     string            `json:"type"`
	Metadata []pwMetadataEntry `json:"metadata"`
}

func (gw *PipeWireGateway) DefaultOutput() (string, string) {
	name := gw.defaultSinkName()
	if name == "" {
		return "", ""
	}

	id, err := gw.FindNodeID(regexp.QuoteMeta(name))
	if err != nil {
		gw.logger.Warnw("Failed to resolve default sink id", "sink", name, "error", err)
		return name, ""
	}

	return name, id
}

func (gw *PipeWireGateway) defaultSinkName() string {
	// preferred path: the default.audio.sink metadata key in pw-dump's output
	if out, err := gw.run("pw-dump"); err == nil {
		var objects []pwObject
		if err := json.Unmarshal(out, &objects); err == nil {
			for _, obj := range objects {
				if obj.Type != "PipeWire:Interface:Metadata" {
					continue
				}

				for _, meta := range obj.Metadata {
					if meta.Key != "default.audio.sink" {
						continue
					}

					var value struct {
						Name string `json:"name"`
					}
					if err := json.Unmarshal(meta.Value, &value); err == nil && value.Name != "" {
						return value.Name
					}
				}
			}
		} else {
			gw.logger.Debugw("Failed to parse pw-dump output", "error", err)
		}
	}

	// fallback: ask pw-cli about the default sink alias directly
	out, err := gw.run("pw-cli", "info", "@DEFAULT_AUDIO_SINK@")
	if err != nil {
		gw.logger.Warnw("Failed to query default sink", "error", err)
		return ""
	}

	if m := nodeNameRegex.FindStringSubmatch(string(out)); m != nil {
		return m[1]
	}

	return ""
}

// CreateNullSink creates a stereo null-audio adapter node that lingers in the
// graph until explicitly destroyed
func (gw *PipeWireGateway) CreateNullSink(name string, description string) error {
	props := fmt.Sprintf(nullSinkProps, name, description)

	out, err := gw.run("pw-cli", "create-node", "adapter", props)
	if err != nil {
		gw.logger.Errorw("Failed to create null sink",
			"sink", name,
			"error", err,
			"output", strings.TrimSpace(string(out)))
		return fmt.Errorf("create null sink %s: %w", name, err)
	}

	gw.logger.Debugw("Created null sink", "sink", name)

	return nil
}

func (gw *PipeWireGateway) DestroySink(name string) bool {
	out, err := gw.run("pw-cli", "destroy", name)
	if err != nil {
		// the sink not being there is the common, fine case
		if strings.Contains(strings.ToLower(string(out)), noSuchObjectHint) {
			return false
		}

		gw.logger.Debugw("Failed to destroy sink", "sink", name, "error", err,
			"output", strings.TrimSpace(string(out)))
		return false
	}

	gw.logger.Debugw("Destroyed sink", "sink", name)

	return true
}

func (gw *PipeWireGateway) LinkPorts(sourcePort string, destPort string) error {
	out, err := gw.run("pw-link", sourcePort, destPort)
	if err != nil {
		gw.logger.Errorw("Failed to link ports",
			"source", sourcePort,
			"dest", destPort,
			"error", err,
			"output", strings.TrimSpace(string(out)))
		return fmt.Errorf("link %s -> %s: %w", sourcePort, destPort, err)
	}

	gw.logger.Debugw("Linked ports", "source", sourcePort, "dest", destPort)

	return nil
}

// FindNodeID scrapes wpctl's status listing for a line like
// "  55. ChatMix Game  [vol: 1.00]" and returns the leading id
func (gw *PipeWireGateway) FindNodeID(expr string) (string, error) {
	idRegex, err := regexp.Compile(`\s*(\d+)\.\s+` + expr)
	if err != nil {
		return "", fmt.Errorf("compile node pattern %q: %w", expr, err)
	}

	out, err := gw.run("wpctl", "status")
	if err != nil {
		return "", fmt.Errorf("query wpctl status: %w", err)
	}

	if m := idRegex.FindStringSubmatch(string(out)); m != nil {
		return m[1], nil
	}

	return "", fmt.Errorf("no node matching %q in wpctl status", expr)
}

func (gw *PipeWireGateway) SetVolume(id string, level float32) error {
	out, err := gw.run("wpctl", "set-volume", id, fmt.Sprintf("%.2f", level))
	if err != nil {
		gw.logger.Warnw("Failed to set volume",
			"id", id,
			"level", level,
			"error", err,
			"output", strings.TrimSpace(string(out)))
		return fmt.Errorf("set volume of node %s: %w", id, err)
	}

	return nil
}

func (gw *PipeWireGateway) SetDefault(id string) error {
	out, err := gw.run("wpctl", "set-default", id)
	if err != nil {
		gw.logger.Warnw("Failed to set default node",
			"id", id,
			"error", err,
			"output", strings.TrimSpace(string(out)))
		return fmt.Errorf("set default node %s: %w", id, err)
	}

	gw.logger.Debugw("Set default node", "id", id)

	return nil
}
