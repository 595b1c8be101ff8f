package analysis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbayer2/medster-agent/internal/agent/llm"
	"github.com/sbayer2/medster-agent/internal/agent/sandbox"
	"github.com/sbayer2/medster-agent/internal/store"
	"github.com/sbayer2/medster-agent/internal/telemetry"
	"github.com/sbayer2/medster-agent/internal/tools/analysis"
)

type fakeStore struct{}

func (fakeStore) LoadBundle(ctx context.Context, id string) (*store.PatientBundle, error) {
	return nil, nil
}
func (fakeStore) ListIDs(ctx context.Context, limit int) ([]string, error) { return nil, nil }
func (fakeStore) LoadECG(ctx context.Context, id string) ([]byte, error)   { return nil, nil }
func (fakeStore) ListDICOMPaths(ctx context.Context) ([]store.DicomRef, error) {
	return nil, nil
}

type fakeBackend struct {
	resp llm.Response
	err  error
	last llm.Request
}

func (f *fakeBackend) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.last = req
	return f.resp, f.err
}

func newGateway(b *fakeBackend) *llm.Gateway {
	return llm.New(b, 0, llm.DefaultRetryPolicy(), telemetry.Noop().Log)
}

func TestAnalyzeImageReturnsContent(t *testing.T) {
	backend := &fakeBackend{resp: llm.Response{Content: "normal sinus rhythm"}}
	oracle := analysis.NewGatewayOracle(newGateway(backend), "vision-model")

	text, err := oracle.AnalyzeImage(context.Background(), "cGFzdGU=", "")
	require.NoError(t, err)
	assert.Equal(t, "normal sinus rhythm", text)
	assert.Equal(t, "vision-model", backend.last.ModelName)
	require.Len(t, backend.last.Messages, 1)
	require.Len(t, backend.last.Messages[0].Parts, 2)
	img, ok := backend.last.Messages[0].Parts[1].(llm.ImagePart)
	require.True(t, ok)
	assert.Equal(t, "cGFzdGU=", img.Base64)
}

func TestAnalyzeImageDefaultsPromptWhenEmpty(t *testing.T) {
	backend := &fakeBackend{resp: llm.Response{Content: "ok"}}
	oracle := analysis.NewGatewayOracle(newGateway(backend), "vision-model")

	_, err := oracle.AnalyzeImage(context.Background(), "cGFzdGU=", "")
	require.NoError(t, err)
	text, ok := backend.last.Messages[0].Parts[0].(llm.TextPart)
	require.True(t, ok)
	assert.Contains(t, text.Text, "clinically relevant")
}

func TestAnalyzeImageEmptyContentIsError(t *testing.T) {
	backend := &fakeBackend{resp: llm.Response{Content: ""}}
	oracle := analysis.NewGatewayOracle(newGateway(backend), "vision-model")

	_, err := oracle.AnalyzeImage(context.Background(), "cGFzdGU=", "what is this")
	assert.Error(t, err)
}

func TestAnalyzeImageToolRequiresPNGBase64(t *testing.T) {
	backend := &fakeBackend{resp: llm.Response{Content: "x"}}
	oracle := analysis.NewGatewayOracle(newGateway(backend), "vision-model")
	tool := analysis.Tools(oracle)[0]

	_, err := tool.Invoke(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestAnalyzeImageToolDispatchesToOracle(t *testing.T) {
	backend := &fakeBackend{resp: llm.Response{Content: "cardiomegaly"}}
	oracle := analysis.NewGatewayOracle(newGateway(backend), "vision-model")
	tool := analysis.Tools(oracle)[0]

	out, err := tool.Invoke(context.Background(), map[string]any{"png_base64": "cGFzdGU=", "prompt": "describe"})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "cardiomegaly", m["description"])
}

func TestRunCodeToolDispatchesToSandbox(t *testing.T) {
	sb := sandbox.New(fakeStore{}, nil, nil)
	tool := analysis.SandboxTools(sb)[0]
	assert.Equal(t, "run_code", string(tool.Name))

	src := `
func analyze() {
	return {"answer": 42}
}`
	out, err := tool.Invoke(context.Background(), map[string]any{
		"description": "trivial",
		"source":      src,
	})
	require.NoError(t, err)
	result := out.(sandbox.Result)
	assert.Equal(t, "ok", result.Status)
}

func TestRunCodeToolRequiresSource(t *testing.T) {
	sb := sandbox.New(fakeStore{}, nil, nil)
	tool := analysis.SandboxTools(sb)[0]
	_, err := tool.Invoke(context.Background(), map[string]any{"description": "x"})
	assert.Error(t, err)
}
