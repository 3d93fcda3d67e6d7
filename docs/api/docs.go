// Package api holds the swagger document served at /swagger. Regenerate with
// swag init -g cmd/server/main.go -o docs/api.
package api

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "termsOfService": "http://swagger.io/terms/",
        "contact": {
            "name": "API Support",
            "url": "https://github.com/localnerve/menusync",
            "email": "info@localnerve.com"
        },
        "license": {
            "name": "AGPL-3.0",
            "url": "https://www.gnu.org/licenses/agpl-3.0.html"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/masters": {
            "get": {"security": [{"CookieAuth": []}], "tags": ["Masters"], "summary": "List master menus", "responses": {"200": {"description": "OK"}}},
            "post": {"security": [{"CookieAuth": []}], "tags": ["Masters"], "summary": "Create a master menu", "responses": {"201": {"description": "Created"}}}
        },
        "/masters/{id}/state": {
            "get": {"security": [{"CookieAuth": []}], "tags": ["Masters"], "summary": "Master menu as of a version", "responses": {"200": {"description": "OK"}}},
            "put": {"security": [{"CookieAuth": []}], "tags": ["Masters"], "summary": "Commit a desired master menu", "responses": {"200": {"description": "OK"}, "409": {"description": "Version conflict"}}}
        },
        "/masters/{id}/versions": {
            "get": {"security": [{"CookieAuth": []}], "tags": ["Masters"], "summary": "List versions", "responses": {"200": {"description": "OK"}}},
            "post": {"security": [{"CookieAuth": []}], "tags": ["Masters"], "summary": "Commit a change batch", "responses": {"200": {"description": "OK"}, "409": {"description": "Version conflict"}}}
        },
        "/masters/{id}/sweep": {
            "post": {"security": [{"CookieAuth": []}], "tags": ["Masters"], "summary": "Reconcile every branch", "responses": {"200": {"description": "OK"}}}
        },
        "/branches/{id}/reconcile": {
            "post": {"security": [{"CookieAuth": []}], "tags": ["Branches"], "summary": "Reconcile a branch", "responses": {"200": {"description": "OK"}, "423": {"description": "Branch busy"}}}
        },
        "/branches/{id}/status": {
            "get": {"security": [{"CookieAuth": []}], "tags": ["Branches"], "summary": "Branch sync status", "responses": {"200": {"description": "OK"}}}
        }
    },
    "securityDefinitions": {
        "CookieAuth": {"type": "apiKey", "name": "cookie_session", "in": "cookie"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0.0",
	Host:             "localhost:3000",
	BasePath:         "/api",
	Schemes:          []string{"http", "https"},
	Title:            "menusync API",
	Description:      "Master menu version control and branch synchronization",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
