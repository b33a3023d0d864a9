package restapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shopmesh/shopmesh/im"
)

// IMAPI surfaces the message router, presence registry, offline pipeline and read
// receipts over REST. Real gateways talk to the router directly; these endpoints back
// operational tooling and the HTTP fallback clients.
type IMAPI struct {
	router   *im.Router
	registry im.Registry
	writer   *im.OfflineWriter
	receipts *im.ReceiptTracker
}

func NewIMAPI(router *im.Router, registry im.Registry, writer *im.OfflineWriter, receipts *im.ReceiptTracker) *IMAPI {
	return &IMAPI{
		router:   router,
		registry: registry,
		writer:   writer,
		receipts: receipts,
	}
}

// RegisterMethods registers this API's REST methods.
func (api *IMAPI) RegisterMethods() {
	RegisterMethod(POST, "/messages", api.RouteMessage)
	RegisterMethod(POST, "/presence", api.RegisterPresence)
	RegisterMethod(PUT, "/presence/:user/:device", api.RenewPresence)
	RegisterMethod(DELETE, "/presence/:user/:device", api.DeregisterPresence)
	RegisterMethod(GET_ONE, "/presence/:user", api.LookupPresence)
	RegisterMethod(GET_ONE, "/users/:user/offline", api.GetUnread)
	RegisterMethod(POST, "/users/:user/offline/ack", api.AckDelivered)
	RegisterMethod(POST, "/receipts", api.MarkRead)
}

// RouteMessage godoc
// @Summary RouteMessage sequences and delivers one message
// @Accept json
// @Produce json
// @Success 200 {object} im.RouteResult
// @Router /messages [post]
// @Security Bearer
func (api *IMAPI) RouteMessage(c *gin.Context) {
	var msg im.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	result, err := api.router.Route(c.Request.Context(), msg)
	if err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, result)
}

// RegisterPresence godoc
// @Summary RegisterPresence opens a presence lease for a device
// @Accept json
// @Produce json
// @Router /presence [post]
// @Security Bearer
func (api *IMAPI) RegisterPresence(c *gin.Context) {
	var b im.Binding
	if err := c.ShouldBindJSON(&b); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := api.registry.Register(c.Request.Context(), b); err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusCreated, b)
}

// RenewPresence godoc
// @Summary RenewPresence extends a live lease without rewriting the binding
// @Produce json
// @Router /presence/{user}/{device} [put]
// @Security Bearer
func (api *IMAPI) RenewPresence(c *gin.Context) {
	if err := api.registry.Renew(c.Request.Context(), c.Param("user"), c.Param("device")); err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// DeregisterPresence godoc
// @Summary DeregisterPresence drops a device's lease on clean disconnect
// @Produce json
// @Router /presence/{user}/{device} [delete]
// @Security Bearer
func (api *IMAPI) DeregisterPresence(c *gin.Context) {
	if err := api.registry.Deregister(c.Request.Context(), c.Param("user"), c.Param("device")); err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// LookupPresence godoc
// @Summary LookupPresence returns the user's live device bindings
// @Produce json
// @Success 200 {object} []im.Binding
// @Router /presence/{user} [get]
// @Security Bearer
func (api *IMAPI) LookupPresence(c *gin.Context) {
	bindings, err := api.registry.Lookup(c.Request.Context(), c.Param("user"))
	if err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, bindings)
}

// GetUnread godoc
// @Summary GetUnread pages the user's stored offline messages by sequence cursor
// @Produce json
// @Success 200 {object} []im.OfflineMessage
// @Router /users/{user}/offline [get]
// @Security Bearer
func (api *IMAPI) GetUnread(c *gin.Context) {
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	msgs, err := api.writer.GetUnread(c.Request.Context(), c.Param("user"), afterSeq, limit)
	if err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, msgs)
}

type ackRequest struct {
	UpToSeq int64 `json:"up_to_seq" binding:"required"`
}

// AckDelivered godoc
// @Summary AckDelivered deletes the user's offline rows up to a sequence
// @Accept json
// @Produce json
// @Router /users/{user}/offline/ack [post]
// @Security Bearer
func (api *IMAPI) AckDelivered(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := api.writer.AckDelivered(c.Request.Context(), c.Param("user"), req.UpToSeq); err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead godoc
// @Summary MarkRead records a read receipt and notifies the sender
// @Accept json
// @Produce json
// @Router /receipts [post]
// @Security Bearer
func (api *IMAPI) MarkRead(c *gin.Context) {
	var r im.ReadReceipt
	if err := c.ShouldBindJSON(&r); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := api.receipts.MarkRead(c.Request.Context(), r); err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
