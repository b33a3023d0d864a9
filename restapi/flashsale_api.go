package restapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shopmesh/shopmesh"
	"github.com/shopmesh/shopmesh/flashsale"
)

// FlashSaleAPI surfaces the admission gate, inventory engine, order materializer and
// lifecycle manager over REST.
type FlashSaleAPI struct {
	gate         *flashsale.AdmissionGate
	engine       *flashsale.InventoryEngine
	materializer *flashsale.OrderMaterializer
	lifecycle    *flashsale.LifecycleManager
	recons       flashsale.ReconciliationLogRepository
}

func NewFlashSaleAPI(gate *flashsale.AdmissionGate, engine *flashsale.InventoryEngine,
	materializer *flashsale.OrderMaterializer, lifecycle *flashsale.LifecycleManager,
	recons flashsale.ReconciliationLogRepository) *FlashSaleAPI {
	return &FlashSaleAPI{
		gate:         gate,
		engine:       engine,
		materializer: materializer,
		lifecycle:    lifecycle,
		recons:       recons,
	}
}

// RegisterMethods registers this API's REST methods.
func (api *FlashSaleAPI) RegisterMethods() {
	RegisterMethod(POST, "/seckill", api.Seckill)
	RegisterMethod(POST, "/activities", api.CreateActivity)
	RegisterMethod(POST, "/activities/:id/start", api.StartActivity)
	RegisterMethod(POST, "/activities/:id/end", api.EndActivity)
	RegisterMethod(GET_ONE, "/stock/:sku", api.GetStock)
	RegisterMethod(GET_ONE, "/orders/:id/status", api.GetOrderStatus)
	RegisterMethod(POST, "/orders/:id/pay", api.PayCallback)
	RegisterMethod(GET_ONE, "/reconciliations/:sku", api.GetReconciliations)
}

type seckillRequest struct {
	UserID string `json:"user_id" binding:"required"`
	SkuID  string `json:"sku_id" binding:"required"`
	Qty    int64  `json:"qty"`
}

// Seckill godoc
// @Summary Seckill runs one purchase attempt through admission and inventory
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Router /seckill [post]
// @Security Bearer
func (api *FlashSaleAPI) Seckill(c *gin.Context) {
	var req seckillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.Qty <= 0 {
		req.Qty = 1
	}

	admission, err := api.gate.TryAcquire(c.Request.Context(), req.UserID, req.SkuID)
	if err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	switch admission.Status {
	case flashsale.AdmissionQueuing:
		c.IndentedJSON(http.StatusAccepted, gin.H{
			"status":         "Queuing",
			"retry_after_ms": admission.ETA.Milliseconds(),
		})
		return
	case flashsale.AdmissionSoldOut:
		c.IndentedJSON(http.StatusGone, gin.H{"status": "SoldOut"})
		return
	}

	result, err := api.engine.Deduct(c.Request.Context(), req.SkuID, req.UserID, req.Qty)
	if err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	switch result.Status {
	case flashsale.DeductSuccess:
		c.IndentedJSON(http.StatusOK, gin.H{
			"status":    "Granted",
			"order_id":  result.OrderID,
			"remaining": result.Remaining,
		})
	case flashsale.DeductOutOfStock:
		c.IndentedJSON(http.StatusGone, gin.H{"status": "SoldOut"})
	case flashsale.DeductOverLimit:
		c.IndentedJSON(http.StatusUnprocessableEntity, gin.H{"status": "OverLimit"})
	default:
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"status": "SystemError"})
	}
}

// CreateActivity godoc
// @Summary CreateActivity defines a flash-sale activity
// @Accept json
// @Produce json
// @Success 201 {object} map[string]any
// @Router /activities [post]
// @Security Bearer
func (api *FlashSaleAPI) CreateActivity(c *gin.Context) {
	var a flashsale.Activity
	if err := c.ShouldBindJSON(&a); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := api.lifecycle.Create(c.Request.Context(), a); err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusCreated, gin.H{"activity_id": a.ActivityID})
}

// StartActivity godoc
// @Summary StartActivity warms stock and opens the window
// @Produce json
// @Router /activities/{id}/start [post]
// @Security Bearer
func (api *FlashSaleAPI) StartActivity(c *gin.Context) {
	if err := api.lifecycle.Start(c.Request.Context(), c.Param("id")); err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"status": string(flashsale.ActivityInProgress)})
}

// EndActivity godoc
// @Summary EndActivity closes the window and drops the admission bucket
// @Produce json
// @Router /activities/{id}/end [post]
// @Security Bearer
func (api *FlashSaleAPI) EndActivity(c *gin.Context) {
	if err := api.lifecycle.End(c.Request.Context(), c.Param("id")); err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"status": string(flashsale.ActivityEnded)})
}

// GetStock godoc
// @Summary GetStock reads the SKU's fast-store stock cell
// @Produce json
// @Success 200 {object} flashsale.StockInfo
// @Router /stock/{sku} [get]
// @Security Bearer
func (api *FlashSaleAPI) GetStock(c *gin.Context) {
	info, err := api.engine.Stock(c.Request.Context(), c.Param("sku"))
	if err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, info)
}

// GetOrderStatus godoc
// @Summary GetOrderStatus reads one order's lifecycle status
// @Produce json
// @Router /orders/{id}/status [get]
// @Security Bearer
func (api *FlashSaleAPI) GetOrderStatus(c *gin.Context) {
	status, err := api.materializer.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "status": string(status)})
}

// PayCallback godoc
// @Summary PayCallback marks an order paid, racing the timeout sweeper
// @Produce json
// @Router /orders/{id}/pay [post]
// @Security Bearer
func (api *FlashSaleAPI) PayCallback(c *gin.Context) {
	if err := api.materializer.MarkPaid(c.Request.Context(), c.Param("id")); err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "status": string(flashsale.OrderPaid)})
}

// GetReconciliations godoc
// @Summary GetReconciliations lists recent reconciler run records for a SKU
// @Produce json
// @Router /reconciliations/{sku} [get]
// @Security Bearer
func (api *FlashSaleAPI) GetReconciliations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	rows, err := api.recons.ListBySKU(c.Request.Context(), c.Param("sku"), limit)
	if err != nil {
		c.IndentedJSON(statusOf(err), gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, rows)
}

// statusOf maps the module's error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch shopmesh.CodeOf(err) {
	case shopmesh.Validation:
		return http.StatusBadRequest
	case shopmesh.NotFound:
		return http.StatusNotFound
	case shopmesh.Conflict:
		return http.StatusConflict
	case shopmesh.Backpressure:
		return http.StatusTooManyRequests
	case shopmesh.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
