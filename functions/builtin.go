package functions

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/room4-2/livelink/codec"
)

const (
	RenderAltairName = "render_altair"
	CompanyDocsName  = "get_company_docs"
)

// DefaultCompanyDocs is served when no documentation is configured.
const DefaultCompanyDocs = `
livelink relays voice, video and text between browsers or phone calls
and the Gemini Live API. Sessions reconnect on their own, keep a shared
context of earlier turns and can answer tool calls such as rendering a
chart from a Vega-Lite specification.
`

// RenderAltairDeclaration asks the model for a chart as a JSON string.
func RenderAltairDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        RenderAltairName,
		Description: "Displays an altair graph in json format.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"json_graph": {
					Type:        genai.TypeString,
					Description: "JSON STRING representation of the graph to render. Must be a string, not a json object",
				},
			},
			Required: []string{"json_graph"},
		},
	}
}

// RenderAltair hands the chart spec to render and acknowledges it.
func RenderAltair(render func(spec string)) Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		spec, ok := args["json_graph"].(string)
		if !ok {
			return nil, fmt.Errorf("json_graph must be a string")
		}
		if !codec.Valid([]byte(spec)) {
			return nil, fmt.Errorf("json_graph is not valid JSON")
		}
		if render != nil {
			render(spec)
		}
		return map[string]any{"success": true}, nil
	}
}

func CompanyDocsDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        CompanyDocsName,
		Description: "Get all the information about the company",
	}
}

func CompanyDocs(docs string) Handler {
	if docs == "" {
		docs = DefaultCompanyDocs
	}
	return func(context.Context, map[string]any) (any, error) {
		return docs, nil
	}
}

// Builtins registers the stock tools on r.
func Builtins(r *Registry, docs string, render func(spec string)) error {
	if err := r.Register(RenderAltairDeclaration(), RenderAltair(render)); err != nil {
		return err
	}
	return r.Register(CompanyDocsDeclaration(), CompanyDocs(docs))
}
