// Package restapi contains helper functions for quickly and easily setting up REST API.
package restapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Main creates the HTTP router, uses the registered (REST) methods to make endpoint
// handlers out of them and runs the server until the context is cancelled.
func Main(ctx context.Context, address string) error {

	// Simple closure for header token verification.
	verifyHeaderToken := func(realHandler func(c *gin.Context)) func(c *gin.Context) {
		return func(c *gin.Context) {
			if verify(c) {
				realHandler(c)
			}
		}
	}

	router := gin.Default()

	v1 := router.Group("/api/v1")
	{
		restMethods := RestMethods()
		for _, rm := range restMethods {
			switch rm.Verb {
			case GET:
				fallthrough
			case GET_ONE:
				v1.GET(rm.Path, verifyHeaderToken(rm.Handler))
			case DELETE:
				v1.DELETE(rm.Path, verifyHeaderToken(rm.Handler))
			case POST:
				v1.POST(rm.Path, verifyHeaderToken(rm.Handler))
			case PUT:
				v1.PUT(rm.Path, verifyHeaderToken(rm.Handler))
			case PATCH:
				v1.PATCH(rm.Path, verifyHeaderToken(rm.Handler))
			default:
				panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
			}
		}
	}

	server := &http.Server{Addr: address, Handler: router}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
