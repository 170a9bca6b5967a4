// Package subprocess implements a driverapi.Driver that spawns a worker
// binary (e.g. llama-server) on a reserved TCP port, health-polls it, and
// talks OpenAI-chat-completions-shaped HTTP to it for generation.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"genpool/internal/driverapi"
	"genpool/pkg/types"
)

// Settings is the settings schema for the subprocess backend type.
type Settings struct {
	Binary   string   `json:"binary"`
	Host     string   `json:"host"`
	CtxSize  int      `json:"ctx_size"`
	Threads  int      `json:"threads"`
	NGL      int      `json:"ngl"`
	ExtraArgs []string `json:"extra_args"`
}

// Schema describes Settings for the admin API.
var Schema = []types.SettingsField{
	{Name: "binary", Type: types.FieldText, Required: true},
	{Name: "host", Type: types.FieldText, Required: false, Default: "127.0.0.1"},
	{Name: "ctx_size", Type: types.FieldInteger, Required: false, Default: 4096},
	{Name: "threads", Type: types.FieldInteger, Required: false, Default: 4},
	{Name: "ngl", Type: types.FieldInteger, Required: false, Default: 0},
}

// TypeID is this driver's backend type identifier.
const TypeID = "subprocess"

// NewType builds the driverapi.Type descriptor for registration. pm is
// shared across every subprocess-backed record so port reservations never
// collide.
func NewType(pm *PortManager) *driverapi.Type {
	return &driverapi.Type{
		ID:          TypeID,
		DisplayName: "Local subprocess worker",
		Schema:      Schema,
		CanLoadFast: false,
		New: func(raw json.RawMessage) (driverapi.Driver, error) {
			return newDriver(raw, pm)
		},
	}
}

func newDriver(raw json.RawMessage, pm *PortManager) (driverapi.Driver, error) {
	s := Settings{Host: "127.0.0.1", CtxSize: 4096, Threads: 4}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid subprocess settings: %w", err)
		}
	}
	if strings.TrimSpace(s.Binary) == "" {
		return nil, fmt.Errorf("subprocess settings require a binary path")
	}
	return &Driver{settings: s, pm: pm, httpClient: &http.Client{Timeout: 0}}, nil
}

// Driver manages one spawned worker process for one backend record.
type Driver struct {
	settings   Settings
	pm         *PortManager
	httpClient *http.Client

	mu      sync.Mutex
	cmd     *exec.Cmd
	port    int
	current string
}

// Init performs no spawn; the process starts lazily on the first LoadModel,
// mirroring the teacher's ensureProcess pattern of spawning per model path.
func (d *Driver) Init(ctx context.Context) (driverapi.InitResult, error) {
	return driverapi.InitResult{Features: []string{"subprocess"}, Catalog: types.ModelCatalog{}}, nil
}

func (d *Driver) ShutdownNow(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Driver) stopLocked() {
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	d.cmd = nil
	if d.port != 0 {
		d.pm.Release(d.port)
		d.port = 0
	}
	d.current = ""
}

// CanLoadModels reports true: each LoadModel respawns the worker against a
// new model path.
func (d *Driver) CanLoadModels() bool { return true }

// LoadModel stops any existing worker, spawns a fresh one bound to a
// reserved port with modelPath, and waits for its health endpoint.
func (d *Driver) LoadModel(ctx context.Context, modelPath string) (bool, error) {
	d.mu.Lock()
	d.stopLocked()

	port, err := d.pm.Reserve()
	if err != nil {
		d.mu.Unlock()
		return false, err
	}

	args := []string{"-m", modelPath, "--host", d.settings.Host, "--port", fmt.Sprint(port)}
	if d.settings.CtxSize > 0 {
		args = append(args, "-c", fmt.Sprint(d.settings.CtxSize))
	}
	if d.settings.NGL > 0 {
		args = append(args, "-ngl", fmt.Sprint(d.settings.NGL))
	}
	if d.settings.Threads > 0 {
		args = append(args, "-t", fmt.Sprint(d.settings.Threads))
	}
	args = append(args, d.settings.ExtraArgs...)

	cmd := exec.Command(d.settings.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		d.pm.Release(port)
		d.mu.Unlock()
		return false, fmt.Errorf("start %s: %w", d.settings.Binary, err)
	}
	d.cmd = cmd
	d.port = port
	d.current = modelPath
	baseURL := fmt.Sprintf("http://%s:%d", d.settings.Host, port)
	d.mu.Unlock()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.Now().Add(30 * time.Second)
	for {
		if d.healthy(baseURL) {
			return true, nil
		}
		select {
		case werr := <-exited:
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			d.mu.Lock()
			d.stopLocked()
			d.mu.Unlock()
			return false, fmt.Errorf("worker exited before ready: %v: %s", werr, tail)
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			d.mu.Lock()
			d.stopLocked()
			d.mu.Unlock()
			return false, fmt.Errorf("worker not ready within 30s: %s", baseURL)
		}
	}
}

func (d *Driver) healthy(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode/100 == 2
}

// GenerateLive streams a chat completion from the worker via openai-go.
// Because the worker's port may be freed and reused, the client is built
// fresh for every call rather than cached on the Driver.
func (d *Driver) GenerateLive(ctx context.Context, input types.GenerationInput, batchID string, onEvent func(types.GenerationEvent)) error {
	d.mu.Lock()
	port := d.port
	model := d.current
	d.mu.Unlock()
	if port == 0 {
		return driverapi.NewTransient(fmt.Errorf("subprocess: worker not running"))
	}

	client := openai.NewClient(
		option.WithAPIKey(""),
		option.WithBaseURL(fmt.Sprintf("http://%s:%d", d.settings.Host, port)),
	)

	prompt := promptFromGraph(input.Graph)
	stream := client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    model,
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	})
	defer stream.Close()

	var text strings.Builder
	step := 0
	for stream.Next() {
		event := stream.Current()
		if len(event.Choices) == 0 {
			continue
		}
		frag := event.Choices[0].Delta.Content
		if frag == "" {
			continue
		}
		text.WriteString(frag)
		step++
		onEvent(types.GenerationEvent{Progress: &types.ProgressEvent{BatchID: batchID, Step: step}})
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	onEvent(types.GenerationEvent{Image: &types.ResultImage{
		BatchID:  batchID,
		Data:     []byte(text.String()),
		Metadata: map[string]string{"model": model},
	}})
	return nil
}

func promptFromGraph(graph any) string {
	if s, ok := graph.(string); ok {
		return s
	}
	return fmt.Sprint(graph)
}
