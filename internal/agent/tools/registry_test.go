package tools_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbayer2/medster-agent/internal/agent/tools"
)

func echoTool(name string) tools.Tool {
	return tools.Tool{
		Name:        tools.Ident(name),
		Description: "echoes its args",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{"x": {Type: "string"}},
			Required:   []string{"x"},
		},
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			return args["x"], nil
		},
	}
}

func TestNewRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := tools.NewRegistry(echoTool("a"), echoTool("a"))
	assert.Error(t, err)
}

func TestRegistryLookupAndCatalogueOrder(t *testing.T) {
	r, err := tools.NewRegistry(echoTool("b"), echoTool("a"))
	require.NoError(t, err)

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	cat := r.Catalogue()
	require.Len(t, cat, 2)
	assert.Equal(t, tools.Ident("b"), cat[0].Name)
	assert.Equal(t, tools.Ident("a"), cat[1].Name)
}

func TestRegistryNamesSortedAlphabetically(t *testing.T) {
	r, err := tools.NewRegistry(echoTool("b"), echoTool("a"))
	require.NoError(t, err)
	assert.Equal(t, []tools.Ident{"a", "b"}, r.Names())
}
