// Package docs is a hand-written equivalent of what swag emits for the
// annotations in cmd/orchestratord/docs.go; it is kept in step by hand.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "license": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/status": {
            "get": {
                "summary": "Backend pool status",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/types": {
            "get": {
                "summary": "Registered backend types",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/backends/": {
            "get": {
                "summary": "List backends",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "summary": "Add a backend",
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/generate": {
            "post": {
                "summary": "Run one generation, streamed as newline-delimited JSON",
                "responses": {"200": {"description": "OK"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger metadata, filled in by swag at
// generation time and overridable by the binary that mounts it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "genpool orchestrator API",
	Description:      "Admin and generation surface for the image-generation backend pool.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
