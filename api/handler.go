package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/songzhibin97/ticketflow/export"
	"github.com/songzhibin97/ticketflow/forms"
	"github.com/songzhibin97/ticketflow/seed"
	"github.com/songzhibin97/ticketflow/storage"
	"github.com/songzhibin97/ticketflow/types"
	"github.com/songzhibin97/ticketflow/workflow"
	"go.uber.org/zap"
)

// Blobs opens stored uploads for download.
type Blobs interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Handler serves the workflow API.
type Handler struct {
	engine *workflow.Engine
	store  storage.Storage
	blobs  Blobs
	logger *zap.Logger
}

// NewHandler creates a Handler. blobs may be nil when uploads are disabled.
func NewHandler(engine *workflow.Engine, blobs Blobs, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, store: engine.Storage(), blobs: blobs, logger: logger}
}

func idParam(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

type roleRequest struct {
	Name string `json:"name" binding:"required"`
	Code string `json:"code" binding:"required"`
}

type memberRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// ListRoles returns every role.
func (h *Handler) ListRoles(c *gin.Context) {
	roles, err := h.store.ListRoles(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(roles))
}

// CreateRole registers a role.
func (h *Handler) CreateRole(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	role, err := h.engine.RegisterRole(c.Request.Context(), req.Name, req.Code)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, success(role))
}

// AddMember grants a role to a user.
func (h *Handler) AddMember(c *gin.Context) {
	roleID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.engine.AssignRole(c.Request.Context(), req.UserID, roleID); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(nil))
}

// RemoveMember revokes a role from a user.
func (h *Handler) RemoveMember(c *gin.Context) {
	roleID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.engine.RevokeRole(c.Request.Context(), c.Param("user"), roleID); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(nil))
}

// ListForms returns every form.
func (h *Handler) ListForms(c *gin.Context) {
	all, err := h.store.ListForms(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(all))
}

// GetForm returns a form with its bound field descriptors.
func (h *Handler) GetForm(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	form, err := h.store.GetForm(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	binding, err := forms.Bind(form)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(gin.H{"form": form, "descriptors": binding.Descriptors}))
}

// CreateForm registers a form.
func (h *Handler) CreateForm(c *gin.Context) {
	var form types.Form
	if err := c.ShouldBindJSON(&form); err != nil {
		badRequest(c, err.Error())
		return
	}
	form.ID = 0
	form, err := h.engine.RegisterForm(c.Request.Context(), form)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, success(form))
}

// ExportEntries streams the entries of a form as CSV.
func (h *Handler) ExportEntries(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	form, err := h.store.GetForm(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_entries.csv"`, form.Slug))
	if err := export.FormEntries(c.Request.Context(), c.Writer, h.store, id); err != nil {
		h.logger.Error("entry export failed", zap.Uint64("form_id", id), zap.Error(err))
	}
}

// ListTemplates returns every template.
func (h *Handler) ListTemplates(c *gin.Context) {
	tpls, err := h.store.ListTemplates(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(tpls))
}

// GetTemplate returns a template with its ordered steps.
func (h *Handler) GetTemplate(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	tpl, err := h.engine.GetTemplate(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(tpl))
}

// CreateTemplate registers a template.
func (h *Handler) CreateTemplate(c *gin.Context) {
	var tpl types.WorkflowTemplate
	if err := c.ShouldBindJSON(&tpl); err != nil {
		badRequest(c, err.Error())
		return
	}
	tpl.ID = 0
	tpl, err := h.engine.RegisterTemplate(c.Request.Context(), tpl)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, success(tpl))
}

type startRequest struct {
	TemplateID uint64 `json:"template_id" binding:"required"`
	FormID     uint64 `json:"form_id" binding:"required"`
}

// StartProcess creates a process at its first step.
func (h *Handler) StartProcess(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	actor, _ := actorFrom(c)
	proc, err := h.engine.StartProcess(c.Request.Context(), req.TemplateID, req.FormID, actor)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, success(proc))
}

// processResponse adds the role-specific captions of the current step.
type processResponse struct {
	workflow.ProcessView
	DecisionLabel string `json:"decision_label,omitempty"`
	CommentLabel  string `json:"comment_label,omitempty"`
}

func present(v workflow.ProcessView) processResponse {
	resp := processResponse{ProcessView: v}
	if v.Status == workflow.StatusInProgress {
		code := ""
		if v.RequiredRole != nil {
			code = v.RequiredRole.Code
		}
		resp.DecisionLabel, resp.CommentLabel = seed.Labels(code)
	}
	return resp
}

// ListProcesses returns the processes visible to the caller.
func (h *Handler) ListProcesses(c *gin.Context) {
	filter, err := workflow.ParseFilter(c.Query("filter"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	actor, _ := actorFrom(c)
	views, err := h.engine.VisibleProcesses(c.Request.Context(), actor, filter)
	if err != nil {
		h.handleError(c, err)
		return
	}
	out := make([]processResponse, 0, len(views))
	for _, v := range views {
		out = append(out, present(v))
	}
	c.JSON(http.StatusOK, success(out))
}

// visibleView loads a process and checks the caller may see it.
func (h *Handler) visibleView(c *gin.Context) (workflow.ProcessView, bool) {
	id, ok := idParam(c, "id")
	if !ok {
		return workflow.ProcessView{}, false
	}
	ctx := c.Request.Context()
	proc, err := h.engine.GetProcess(ctx, id)
	if err != nil {
		h.handleError(c, err)
		return workflow.ProcessView{}, false
	}
	actor, _ := actorFrom(c)
	view, err := h.engine.View(ctx, *proc, actor)
	if err != nil {
		h.handleError(c, err)
		return workflow.ProcessView{}, false
	}
	if !actor.IsAdmin && view.Status != workflow.StatusCompleted && !view.CanAct {
		h.handleError(c, fmt.Errorf("%w: process %s is not visible to %s", workflow.ErrForbidden, proc.RefID, actor.Name()))
		return workflow.ProcessView{}, false
	}
	return view, true
}

// GetProcess returns one process as seen by the caller.
func (h *Handler) GetProcess(c *gin.Context) {
	view, ok := h.visibleView(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, success(present(view)))
}

// ExportResults streams the result log of a process as CSV.
func (h *Handler) ExportResults(c *gin.Context) {
	view, ok := h.visibleView(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, view.Process.RefID))
	if err := export.ProcessResults(c.Writer, view.Process); err != nil {
		h.logger.Error("result export failed", zap.Uint64("process_id", view.Process.ID), zap.Error(err))
	}
}

type submitRequest struct {
	Decision types.Decision    `json:"decision"`
	Comment  string            `json:"comment"`
	Answers  map[string]string `json:"answers"`
}

// SubmitStep records the caller's decision on the current step.
// JSON bodies carry text answers; multipart bodies may also carry files,
// with every part named by field ID.
func (h *Handler) SubmitStep(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	var sub workflow.Submission
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		mf, err := c.MultipartForm()
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		files, err := multipartSubmission(mf, &sub)
		defer closeAll(files)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
	} else {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		sub = workflow.Submission{Decision: req.Decision, Comment: req.Comment, Answers: make(map[string]forms.Answer, len(req.Answers))}
		for k, v := range req.Answers {
			sub.Answers[k] = forms.TextAnswer(v)
		}
	}

	actor, _ := actorFrom(c)
	proc, err := h.engine.SubmitStep(c.Request.Context(), id, actor, sub)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(proc))
}

func multipartSubmission(mf *multipart.Form, sub *workflow.Submission) ([]io.Closer, error) {
	sub.Answers = make(map[string]forms.Answer)
	for key, vals := range mf.Value {
		if len(vals) == 0 {
			continue
		}
		switch key {
		case "decision":
			sub.Decision = types.Decision(vals[0])
		case "comment":
			sub.Comment = vals[0]
		default:
			sub.Answers[key] = forms.TextAnswer(vals[0])
		}
	}
	var opened []io.Closer
	for key, fhs := range mf.File {
		if len(fhs) == 0 {
			continue
		}
		f, err := fhs[0].Open()
		if err != nil {
			return opened, fmt.Errorf("failed to read upload %s: %w", key, err)
		}
		opened = append(opened, f)
		sub.Answers[key] = forms.FileAnswer(fhs[0].Filename, f)
	}
	return opened, nil
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		c.Close()
	}
}

// Claim takes ownership of an auto-claimable step.
func (h *Handler) Claim(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	actor, _ := actorFrom(c)
	claimed, err := h.engine.Claim(c.Request.Context(), id, actor)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(gin.H{"claimed": claimed}))
}

// Release gives up ownership of a process.
func (h *Handler) Release(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	actor, _ := actorFrom(c)
	if err := h.engine.Release(c.Request.Context(), id, actor); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, success(nil))
}

// DownloadFile streams a stored upload. Mounted on the admin routes only.
func (h *Handler) DownloadFile(c *gin.Context) {
	if h.blobs == nil {
		h.handleError(c, workflow.ErrNoFileStore)
		return
	}
	ref := strings.TrimPrefix(c.Param("ref"), "/")
	rc, err := h.blobs.Open(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusNotFound, failure(http.StatusNotFound, "file not found"))
		return
	}
	defer rc.Close()
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, ref[strings.LastIndex(ref, "/")+1:]))
	c.DataFromReader(http.StatusOK, -1, "application/octet-stream", rc, nil)
}
