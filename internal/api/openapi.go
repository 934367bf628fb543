package api

import (
	"fmt"

	"github.com/mattjoyce/polyhost/internal/function"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one invoke operation per function.
func buildOpenAPIDoc(version string, fns []*function.Descriptor) map[string]any {
	if version == "" {
		version = "dev"
	}
	paths := map[string]any{}
	for _, fn := range fns {
		paths[fmt.Sprintf("/functions/%s/invoke", fn.ID)] = map[string]any{
			"post": functionOperation(fn),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "polyhost",
			"version": version,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func functionOperation(fn *function.Descriptor) map[string]any {
	return map[string]any{
		"operationId": fmt.Sprintf("%s__invoke", fn.Name),
		"summary":     fmt.Sprintf("Invoke %s (%s)", fn.Name, fn.Runtime),
		"tags":        []string{fn.Runtime},
		"requestBody": map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"inputs":       map[string]any{"type": "object"},
							"binding_data": map[string]any{"type": "object"},
						},
					},
				},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{"description": "Invocation succeeded"},
			"409": map[string]any{"description": "Function not loaded on the selected worker"},
			"502": map[string]any{"description": "Invocation failed"},
			"503": map[string]any{"description": "No initialized worker"},
			"504": map[string]any{"description": "Invocation still running at timeout"},
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
}
