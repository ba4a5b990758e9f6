package inventory

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/platform/apierror"
	"github.com/hospital/his/internal/platform/auth"
	"github.com/hospital/his/pkg/pagination"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
	// expiryDays is used by /expiring when the request has no days parameter.
	expiryDays int
}

func NewHandler(svc *Service, expiryDays int) *Handler {
	return &Handler{svc: svc, expiryDays: expiryDays}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/inventory", auth.RequireRole(auth.RolePharmacist, auth.RoleNurse, auth.RolePhysician))
	read.GET("/records", h.ListRecords)
	read.GET("/records/:id", h.GetRecord)
	read.GET("/low-stock", h.LowStock)
	read.GET("/expiring", h.Expiring)

	manage := api.Group("/inventory", auth.RequireRole(auth.RolePharmacist))
	manage.POST("/records", h.ReceiveStock)
	manage.POST("/records/:id/adjust", h.Adjust)
	manage.PUT("/records/:id/freeze", h.Freeze)
	manage.DELETE("/records/:id", h.DeleteRecord)
	manage.GET("/records/:id/reconcile", h.Reconcile)
	manage.GET("/transactions", h.ListTransactions)
	manage.GET("/transactions/stats", h.Stats)
	manage.GET("/transactions/export", h.Export)
}

type receiveRequest struct {
	DrugID           uuid.UUID       `json:"drug_id" validate:"uuid_required"`
	PharmacyID       uuid.UUID       `json:"pharmacy_id" validate:"uuid_required"`
	BatchNumber      string          `json:"batch_number" validate:"required,max=64"`
	Quantity         int             `json:"quantity" validate:"gt=0,lte=2147483647"`
	MinimumThreshold int             `json:"minimum_threshold" validate:"gte=0,lte=2147483647"`
	MaximumThreshold int             `json:"maximum_threshold" validate:"gte=0,lte=2147483647"`
	UnitPrice        decimal.Decimal `json:"unit_price" validate:"money"`
	ValidFrom        *time.Time      `json:"valid_from"`
	ValidTo          *time.Time      `json:"valid_to"`
	Reason           string          `json:"reason" validate:"max=255"`
}

type adjustRequest struct {
	Delta     int              `json:"delta" validate:"ne=0,gte=-2147483647,lte=2147483647"`
	Type      TransactionType  `json:"transaction_type" validate:"omitempty,oneof=inbound outbound transfer adjustment"`
	Reason    string           `json:"reason" validate:"required,max=255"`
	UnitPrice *decimal.Decimal `json:"unit_price" validate:"omitempty,money"`
}

type freezeRequest struct {
	Frozen bool `json:"frozen"`
}

func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return apierror.Validation("malformed request body")
	}
	return c.Validate(req)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apierror.Validation("invalid id")
	}
	return id, nil
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, apierror.Validation("invalid %s", name)
	}
	return &id, nil
}

// optionalTime accepts RFC 3339 timestamps or plain dates.
func optionalTime(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, apierror.Validation("invalid %s: expected RFC 3339 timestamp or YYYY-MM-DD", name)
}

func actor(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) ReceiveStock(c echo.Context) error {
	var req receiveRequest
	if err := bindValid(c, &req); err != nil {
		return apierror.Respond(c, err)
	}
	res, err := h.svc.ReceiveStock(c.Request().Context(), Receipt{
		DrugID:           req.DrugID,
		PharmacyID:       req.PharmacyID,
		BatchNumber:      req.BatchNumber,
		Quantity:         req.Quantity,
		MinimumThreshold: req.MinimumThreshold,
		MaximumThreshold: req.MaximumThreshold,
		UnitPrice:        req.UnitPrice,
		ValidFrom:        req.ValidFrom,
		ValidTo:          req.ValidTo,
		Reason:           req.Reason,
		Actor:            actor(c),
	})
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f RecordFilter
	var err error
	if f.DrugID, err = optionalUUID(c, "drug_id"); err != nil {
		return apierror.Respond(c, err)
	}
	if f.PharmacyID, err = optionalUUID(c, "pharmacy_id"); err != nil {
		return apierror.Respond(c, err)
	}
	f.BatchNumber = c.QueryParam("batch_number")
	if v := c.QueryParam("frozen"); v != "" {
		frozen, err := strconv.ParseBool(v)
		if err != nil {
			return apierror.Respond(c, apierror.Validation("invalid frozen"))
		}
		f.Frozen = &frozen
	}
	items, total, err := h.svc.ListRecords(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
}

func (h *Handler) Adjust(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	var req adjustRequest
	if err := bindValid(c, &req); err != nil {
		return apierror.Respond(c, err)
	}
	res, err := h.svc.Adjust(c.Request().Context(), Adjustment{
		RecordID:  id,
		Delta:     req.Delta,
		Type:      req.Type,
		Reason:    req.Reason,
		UnitPrice: req.UnitPrice,
		Actor:     actor(c),
	})
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Freeze(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	var req freezeRequest
	if err := c.Bind(&req); err != nil {
		return apierror.Respond(c, apierror.Validation("malformed request body"))
	}
	rec, err := h.svc.Freeze(c.Request().Context(), id, req.Frozen, actor(c))
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	if err := h.svc.DeleteRecord(c.Request().Context(), id, actor(c)); err != nil {
		return apierror.Respond(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Reconcile(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	rc, err := h.svc.Reconcile(c.Request().Context(), id)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, rc)
}

func (h *Handler) LowStock(c echo.Context) error {
	pharmacyID, err := optionalUUID(c, "pharmacy_id")
	if err != nil {
		return apierror.Respond(c, err)
	}
	items, err := h.svc.FindLowStock(c.Request().Context(), pharmacyID)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) Expiring(c echo.Context) error {
	pharmacyID, err := optionalUUID(c, "pharmacy_id")
	if err != nil {
		return apierror.Respond(c, err)
	}
	days := h.expiryDays
	if v := c.QueryParam("days"); v != "" {
		if days, err = strconv.Atoi(v); err != nil {
			return apierror.Respond(c, apierror.Validation("invalid days"))
		}
	}
	items, err := h.svc.FindExpiringWithin(c.Request().Context(), days, pharmacyID)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items), "days": days})
}

func transactionFilter(c echo.Context) (TransactionFilter, error) {
	var f TransactionFilter
	var err error
	if f.DrugID, err = optionalUUID(c, "drug_id"); err != nil {
		return f, err
	}
	if f.PharmacyID, err = optionalUUID(c, "pharmacy_id"); err != nil {
		return f, err
	}
	if f.ReferenceID, err = optionalUUID(c, "reference_id"); err != nil {
		return f, err
	}
	if f.From, err = optionalTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = optionalTime(c, "to"); err != nil {
		return f, err
	}
	f.BatchNumber = c.QueryParam("batch_number")
	f.Type = TransactionType(c.QueryParam("type"))
	f.ReferenceType = c.QueryParam("reference_type")
	f.CreatedBy = c.QueryParam("created_by")
	return f, nil
}

func (h *Handler) ListTransactions(c echo.Context) error {
	f, err := transactionFilter(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTransactions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
}

func (h *Handler) Stats(c echo.Context) error {
	from, err := optionalTime(c, "from")
	if err != nil {
		return apierror.Respond(c, err)
	}
	to, err := optionalTime(c, "to")
	if err != nil {
		return apierror.Respond(c, err)
	}
	pharmacyID, err := optionalUUID(c, "pharmacy_id")
	if err != nil {
		return apierror.Respond(c, err)
	}
	st, err := h.svc.TransactionStats(c.Request().Context(), from, to, pharmacyID)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// Export buffers the workbook so a failure midway still yields a JSON error
// instead of a truncated file.
func (h *Handler) Export(c echo.Context) error {
	f, err := transactionFilter(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	if f.Type != "" && !validTypes[f.Type] {
		return apierror.Respond(c, apierror.Validation("invalid transaction type: %s", f.Type))
	}
	var buf bytes.Buffer
	n, err := h.svc.ExportTransactions(c.Request().Context(), f, &buf)
	if err != nil {
		return apierror.Respond(c, err)
	}
	name := fmt.Sprintf("inventory-ledger-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	c.Response().Header().Set("X-Row-Count", strconv.Itoa(n))
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}
