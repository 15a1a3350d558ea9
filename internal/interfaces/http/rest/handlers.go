package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"loom-backend/internal/domain/shared"
	"loom-backend/internal/domain/tree"
	"loom-backend/internal/service/document"
	"loom-backend/internal/service/generation"
	"loom-backend/internal/service/llm"
	"loom-backend/pkg/errors"
)

var validate = validator.New()

// NodeHandler handles document and node requests
type NodeHandler struct {
	service      *document.Service
	logger       *zap.Logger
	errorHandler *errors.ErrorHandler
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(service *document.Service, logger *zap.Logger, errorHandler *errors.ErrorHandler) *NodeHandler {
	return &NodeHandler{service: service, logger: logger, errorHandler: errorHandler}
}

// TextRequest carries node text.
type TextRequest struct {
	Text string `json:"text"`
}

// MoveRequest moves a node under a new parent.
type MoveRequest struct {
	ParentID string `json:"parent_id" validate:"required,uuid"`
}

// ShiftRequest moves a node among its siblings.
type ShiftRequest struct {
	Delta int `json:"delta" validate:"required"`
}

// SplitRequest splits a node at a byte offset.
type SplitRequest struct {
	Offset int `json:"offset" validate:"min=0"`
}

// MergeRequest merges a node with its parent or its children.
type MergeRequest struct {
	With string `json:"with" validate:"required,oneof=parent children"`
}

// GenerateRequest starts a generation below a node. With Wait the response
// is sent once the completions have been applied.
type GenerateRequest struct {
	N        int           `json:"n" validate:"min=0,max=16"`
	Input    string        `json:"input"`
	Wait     bool          `json:"wait"`
	Settings *llm.Settings `json:"settings,omitempty"`
}

// GenerateResponse lists the nodes created by a generation.
type GenerateResponse struct {
	Placeholders []shared.NodeID `json:"placeholders"`
	Applied      []shared.NodeID `json:"applied,omitempty"`
}

// MultiverseRequest asks for the token tree continuing a node.
type MultiverseRequest struct {
	GroundTruth string  `json:"ground_truth"`
	MaxDepth    int     `json:"max_depth" validate:"min=0,max=16"`
	Amplitude   float64 `json:"unnormalized_amplitude" validate:"min=0"`
	Threshold   float64 `json:"unnormalized_threshold" validate:"min=0"`
}

// TagRequest adds a tag.
type TagRequest struct {
	Tag string `json:"tag" validate:"required,max=64"`
}

// MemoryRequest attaches a memory.
type MemoryRequest struct {
	Text        string `json:"text" validate:"required"`
	Inheritance string `json:"inheritance" validate:"omitempty,oneof=node subtree"`
}

// ChapterRequest starts a chapter.
type ChapterRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

// Snapshot handles GET /document
func (h *NodeHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.Snapshot(r.Context())
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, doc)
}

// Save handles POST /document/save
func (h *NodeHandler) Save(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Save(r.Context()); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"document_id": h.service.DocumentID(), "status": "saved"})
}

// Reload handles POST /document/reload
func (h *NodeHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reload(r.Context()); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"document_id": h.service.DocumentID(), "status": "reloaded"})
}

// ZipAll handles POST /document/zip
func (h *NodeHandler) ZipAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.ZipAll(r.Context())
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"zipped": n})
}

// UnzipAll handles POST /document/unzip
func (h *NodeHandler) UnzipAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.UnzipAll(r.Context())
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"unzipped": n})
}

// Root handles GET /nodes/root
func (h *NodeHandler) Root(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Root(r.Context())
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, v)
}

// GetNode handles GET /nodes/{nodeID}
func (h *NodeHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	v, err := h.service.Node(r.Context(), id)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, v)
}

// DeleteNode handles DELETE /nodes/{nodeID}?reassign=true
func (h *NodeHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	reassign, _ := strconv.ParseBool(r.URL.Query().Get("reassign"))
	if err := h.service.Delete(r.Context(), id, reassign); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateText handles PUT /nodes/{nodeID}/text
func (h *NodeHandler) UpdateText(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req TextRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.UpdateText(r.Context(), id, req.Text); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, id)
}

// Children handles GET /nodes/{nodeID}/children
func (h *NodeHandler) Children(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	children, err := h.service.Children(r.Context(), id)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, children)
}

// CreateChild handles POST /nodes/{nodeID}/children
func (h *NodeHandler) CreateChild(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req TextRequest
	if !h.decode(w, r, &req) {
		return
	}
	child, err := h.service.CreateChild(r.Context(), id, req.Text)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	v, err := h.service.Node(r.Context(), child)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, v)
}

// Ancestry handles GET /nodes/{nodeID}/ancestry
func (h *NodeHandler) Ancestry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	v, err := h.service.Ancestry(r.Context(), id)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, v)
}

// Navigate handles GET /nodes/{nodeID}/navigate?direction=next|prev
func (h *NodeHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	dir := document.Direction(r.URL.Query().Get("direction"))
	if dir == "" {
		dir = document.Next
	}
	if dir != document.Next && dir != document.Prev {
		h.errorHandler.Handle(w, r, errors.NewValidationError("direction must be next or prev"))
		return
	}
	target, err := h.service.Navigate(r.Context(), id, dir)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, target)
}

// Move handles POST /nodes/{nodeID}/move
func (h *NodeHandler) Move(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req MoveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.Reparent(r.Context(), id, shared.NodeID(req.ParentID)); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, id)
}

// Shift handles POST /nodes/{nodeID}/shift
func (h *NodeHandler) Shift(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req ShiftRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.Shift(r.Context(), id, req.Delta); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, id)
}

// Edit handles POST /nodes/{nodeID}/edit
func (h *NodeHandler) Edit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req document.EditRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.LeafID = id
	changed, err := h.service.Edit(r.Context(), req)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if changed == nil {
		changed = []shared.NodeID{}
	}
	h.respondJSON(w, http.StatusOK, map[string][]shared.NodeID{"changed": changed})
}

// Split handles POST /nodes/{nodeID}/split
func (h *NodeHandler) Split(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req SplitRequest
	if !h.decode(w, r, &req) {
		return
	}
	upper, err := h.service.Split(r.Context(), id, req.Offset)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, upper)
}

// Merge handles POST /nodes/{nodeID}/merge
func (h *NodeHandler) Merge(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req MergeRequest
	if !h.decode(w, r, &req) {
		return
	}
	var err error
	if req.With == "parent" {
		err = h.service.MergeWithParent(r.Context(), id)
	} else {
		err = h.service.MergeWithChildren(r.Context(), id)
	}
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Zip handles POST /nodes/{nodeID}/zip
func (h *NodeHandler) Zip(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	compound, err := h.service.Zip(r.Context(), id)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, compound)
}

// Unzip handles POST /nodes/{nodeID}/unzip
func (h *NodeHandler) Unzip(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	restored, err := h.service.Unzip(r.Context(), id)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if restored == nil {
		restored = []shared.NodeID{}
	}
	h.respondJSON(w, http.StatusOK, map[string][]shared.NodeID{"restored": restored})
}

// Generate handles POST /nodes/{nodeID}/generate
func (h *NodeHandler) Generate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.service.Generate(r.Context(), generation.Request{
		NodeID:   id,
		N:        req.N,
		Settings: req.Settings,
		Input:    req.Input,
	})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if !req.Wait {
		h.respondJSON(w, http.StatusAccepted, GenerateResponse{Placeholders: p.Placeholders})
		return
	}
	if err := p.Wait(r.Context()); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, GenerateResponse{Placeholders: p.Placeholders, Applied: p.Applied()})
}

// Multiverse handles POST /nodes/{nodeID}/multiverse
func (h *NodeHandler) Multiverse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req MultiverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	branches, err := h.service.Multiverse(r.Context(), document.MultiverseRequest{
		NodeID:      id,
		GroundTruth: req.GroundTruth,
		MaxDepth:    req.MaxDepth,
		Amplitude:   req.Amplitude,
		Threshold:   req.Threshold,
	})
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, branches)
}

// AddTag handles POST /nodes/{nodeID}/tags
func (h *NodeHandler) AddTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req TagRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.Tag(r.Context(), id, req.Tag, true); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, id)
}

// RemoveTag handles DELETE /nodes/{nodeID}/tags/{tag}
func (h *NodeHandler) RemoveTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	if err := h.service.Tag(r.Context(), id, chi.URLParam(r, "tag"), false); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, id)
}

// Memories handles GET /nodes/{nodeID}/memories
func (h *NodeHandler) Memories(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	memories, err := h.service.Memories(r.Context(), id)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, memories)
}

// AddMemory handles POST /nodes/{nodeID}/memories
func (h *NodeHandler) AddMemory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req MemoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	mem, err := h.service.AddMemory(r.Context(), id, req.Text, tree.Inheritance(req.Inheritance))
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]shared.MemoryID{"id": mem})
}

// RemoveMemory handles DELETE /memories/{memoryID}
func (h *NodeHandler) RemoveMemory(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseMemoryID(chi.URLParam(r, "memoryID"))
	if err != nil {
		h.errorHandler.Handle(w, r, errors.NewValidationError(err.Error()))
		return
	}
	if err := h.service.RemoveMemory(r.Context(), id); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Chapters handles GET /chapters
func (h *NodeHandler) Chapters(w http.ResponseWriter, r *http.Request) {
	chapters, err := h.service.Chapters(r.Context())
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, chapters)
}

// AddChapter handles POST /nodes/{nodeID}/chapters
func (h *NodeHandler) AddChapter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeID(w, r)
	if !ok {
		return
	}
	var req ChapterRequest
	if !h.decode(w, r, &req) {
		return
	}
	chapter, err := h.service.AddChapter(r.Context(), id, req.Title)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]shared.ChapterID{"id": chapter})
}

// RemoveChapter handles DELETE /chapters/{chapterID}
func (h *NodeHandler) RemoveChapter(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseChapterID(chi.URLParam(r, "chapterID"))
	if err != nil {
		h.errorHandler.Handle(w, r, errors.NewValidationError(err.Error()))
		return
	}
	if err := h.service.RemoveChapter(r.Context(), id); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NodeHandler) nodeID(w http.ResponseWriter, r *http.Request) (shared.NodeID, bool) {
	id, err := shared.ParseNodeID(chi.URLParam(r, "nodeID"))
	if err != nil {
		h.errorHandler.Handle(w, r, errors.NewValidationError("Invalid node ID format").WithCause(err))
		return "", false
	}
	return id, true
}

func (h *NodeHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.errorHandler.Handle(w, r, errors.NewValidationError("Invalid request body").WithCause(err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.errorHandler.Handle(w, r, errors.NewValidationError("Validation error: "+err.Error()))
		return false
	}
	return true
}

func (h *NodeHandler) respondNode(w http.ResponseWriter, r *http.Request, id shared.NodeID) {
	v, err := h.service.Node(r.Context(), id)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, v)
}

func (h *NodeHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
