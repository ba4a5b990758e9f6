package prescription

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hospital/his/internal/platform/apierror"
	"github.com/hospital/his/internal/platform/auth"
	"github.com/hospital/his/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/prescriptions", auth.RequireRole(auth.RolePhysician, auth.RolePharmacist, auth.RoleNurse))
	read.GET("", h.List)
	read.GET("/:id", h.Get)
	read.GET("/number/:number", h.GetByNumber)

	prescribe := api.Group("/prescriptions", auth.RequireRole(auth.RolePhysician))
	prescribe.POST("", h.Create)

	pharmacy := api.Group("/prescriptions", auth.RequireRole(auth.RolePharmacist))
	pharmacy.POST("/:id/review", h.Review)
	pharmacy.POST("/:id/dispense", h.Dispense)

	cancel := api.Group("/prescriptions", auth.RequireRole(auth.RolePhysician, auth.RolePharmacist))
	cancel.POST("/:id/cancel", h.Cancel)
}

type lineRequest struct {
	DrugID              uuid.UUID       `json:"drug_id" validate:"uuid_required"`
	Dosage              string          `json:"dosage" validate:"max=64"`
	DosageUnit          string          `json:"dosage_unit" validate:"max=32"`
	Frequency           string          `json:"frequency" validate:"max=64"`
	AdministrationRoute string          `json:"administration_route" validate:"max=64"`
	Duration            string          `json:"duration" validate:"max=64"`
	Quantity            int             `json:"quantity" validate:"gt=0,lte=2147483647"`
	UnitPrice           decimal.Decimal `json:"unit_price" validate:"money"`
}

type createRequest struct {
	PatientID  uuid.UUID     `json:"patient_id" validate:"uuid_required"`
	DoctorID   uuid.UUID     `json:"doctor_id"`
	PharmacyID uuid.UUID     `json:"pharmacy_id" validate:"uuid_required"`
	Diagnosis  string        `json:"diagnosis" validate:"max=1000"`
	Remark     string        `json:"remark" validate:"max=1000"`
	Lines      []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type reviewRequest struct {
	Status   Status `json:"status" validate:"required,oneof=REVIEWED REJECTED"`
	Comments string `json:"comments" validate:"max=1000"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
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

// Create uses the caller as doctor when the body names none and the caller's
// subject is a uuid.
func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := bindValid(c, &req); err != nil {
		return apierror.Respond(c, err)
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	doctorID := req.DoctorID
	if doctorID == uuid.Nil {
		if id, err := uuid.Parse(actor); err == nil {
			doctorID = id
		}
	}

	in := CreateInput{
		PatientID:  req.PatientID,
		DoctorID:   doctorID,
		PharmacyID: req.PharmacyID,
		Diagnosis:  req.Diagnosis,
		Remark:     req.Remark,
		Actor:      actor,
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, LineInput{
			DrugID:              l.DrugID,
			Dosage:              l.Dosage,
			DosageUnit:          l.DosageUnit,
			Frequency:           l.Frequency,
			AdministrationRoute: l.AdministrationRoute,
			Duration:            l.Duration,
			Quantity:            l.Quantity,
			UnitPrice:           l.UnitPrice,
		})
	}

	p, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetByNumber(c echo.Context) error {
	p, err := h.svc.GetByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f Filter
	var err error
	if f.PatientID, err = optionalUUID(c, "patient_id"); err != nil {
		return apierror.Respond(c, err)
	}
	if f.DoctorID, err = optionalUUID(c, "doctor_id"); err != nil {
		return apierror.Respond(c, err)
	}
	if f.PharmacyID, err = optionalUUID(c, "pharmacy_id"); err != nil {
		return apierror.Respond(c, err)
	}
	f.Status = Status(c.QueryParam("status"))

	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, pagination.Page(c, items, total, pg))
}

func (h *Handler) Review(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	var req reviewRequest
	if err := bindValid(c, &req); err != nil {
		return apierror.Respond(c, err)
	}
	p, err := h.svc.Review(c.Request().Context(), id, req.Status, req.Comments,
		auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Dispense(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	res, err := h.svc.Dispense(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return apierror.Respond(c, err)
	}
	var req cancelRequest
	if err := bindValid(c, &req); err != nil {
		return apierror.Respond(c, err)
	}
	p, err := h.svc.Cancel(c.Request().Context(), id, req.Reason, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return apierror.Respond(c, err)
	}
	return c.JSON(http.StatusOK, p)
}
