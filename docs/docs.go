// Package docs registers the generated swagger description with swag.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/purchases/quote": {
            "post": {
                "tags": ["purchases"],
                "summary": "Quote a storage credit purchase",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/purchases": {
            "post": {
                "tags": ["purchases"],
                "summary": "Initiate a storage credit purchase",
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/purchases/{purchaseId}/confirm": {
            "post": {
                "tags": ["purchases"],
                "summary": "Confirm a storage credit purchase",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/purchases/{purchaseId}": {
            "get": {
                "tags": ["purchases"],
                "summary": "Get purchase by ID",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/purchases/{purchaseId}/checkout-qr": {
            "get": {
                "tags": ["purchases"],
                "summary": "Checkout QR code",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/listings": {
            "get": {
                "tags": ["marketplace"],
                "summary": "List active P2P listings",
                "responses": {"200": {"description": "OK"}}
            },
            "post": {
                "tags": ["marketplace"],
                "summary": "Create a P2P listing",
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/listings/{listingId}": {
            "get": {
                "tags": ["marketplace"],
                "summary": "Get listing by ID",
                "responses": {"200": {"description": "OK"}}
            },
            "delete": {
                "tags": ["marketplace"],
                "summary": "Cancel an active listing",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/listings/{listingId}/purchase": {
            "post": {
                "tags": ["marketplace"],
                "summary": "Purchase all or part of a listing",
                "responses": {"201": {"description": "Created"}}
            }
        },
        "/settlements/{settlementId}/confirm": {
            "post": {
                "tags": ["marketplace"],
                "summary": "Confirm a listing purchase",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/account/balance": {
            "get": {
                "tags": ["account"],
                "summary": "Get credit balance",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/account/summary": {
            "get": {
                "tags": ["account"],
                "summary": "Get usage summary",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/account/uploads": {
            "post": {
                "tags": ["account"],
                "summary": "Record an upload",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/payouts/queue": {
            "get": {
                "tags": ["payouts"],
                "summary": "Payout queue status",
                "responses": {"200": {"description": "OK"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "Storage Credit Marketplace API",
	Description:      "Ledger, purchase and P2P trading API for permanent-storage credits",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
