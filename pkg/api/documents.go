package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/auth"
	"github.com/atriumhq/atrium/pkg/crm"
	"github.com/atriumhq/atrium/pkg/httputil"
	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/rbac"
	"github.com/atriumhq/atrium/pkg/storage"
)

// maxDocumentSize caps a single upload at 25 MiB.
const maxDocumentSize = 25 << 20

// DocumentHandlers manages file attachments on records. Uploads and
// deletes require edit permission on the module plus the record guard;
// the document descriptors live on the record, the bytes in blob storage.
type DocumentHandlers struct {
	store    *crm.Store
	search   *crm.SearchService
	blobs    storage.BlobStore
	resolver *rbac.Resolver
	auditor  *audit.Writer
	logger   *observability.Logger
}

// NewDocumentHandlers creates the document handlers
func NewDocumentHandlers(store *crm.Store, search *crm.SearchService, blobs storage.BlobStore, resolver *rbac.Resolver, auditor *audit.Writer, logger *observability.Logger) *DocumentHandlers {
	if auditor == nil {
		auditor = audit.NopWriter()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &DocumentHandlers{
		store:    store,
		search:   search,
		blobs:    blobs,
		resolver: resolver,
		auditor:  auditor,
		logger:   logger,
	}
}

// RegisterRoutes registers the document routes
func (h *DocumentHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs/{orgID}/records/{module}/{id}/documents", h.upload).Methods("POST")
	router.HandleFunc("/orgs/{orgID}/records/{module}/{id}/documents", h.list).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/records/{module}/{id}/documents/{docID}", h.download).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/records/{module}/{id}/documents/{docID}", h.deleteDocument).Methods("DELETE")
}

// guardedRecord authorizes the caller for the action and loads the record
// through the visibility guard.
func (h *DocumentHandlers) guardedRecord(w http.ResponseWriter, r *http.Request, action rbac.Action) (*auth.Principal, *crm.Record, bool) {
	vars := mux.Vars(r)
	orgID := vars["orgID"]
	module := vars["module"]

	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, nil, false
	}
	if crm.Module(module) == nil {
		httputil.WriteNotFound(w, "unknown module: "+module)
		return nil, nil, false
	}

	perm, err := h.resolver.GetPermissionContext(r.Context(), principal.UserID, orgID, module, action)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, nil, false
	}
	if !perm.Allowed {
		httputil.WriteForbidden(w, "no permission to "+string(action)+" "+module)
		return nil, nil, false
	}

	record, err := h.store.Get(r.Context(), orgID, module, vars["id"])
	if errors.Is(err, crm.ErrRecordNotFound) {
		httputil.WriteNotFound(w, "record not found")
		return nil, nil, false
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, nil, false
	}
	if !perm.Filter.Matches(record.OwnerID) {
		httputil.WriteForbidden(w, "no access to this record")
		return nil, nil, false
	}
	return principal, record, true
}

func (h *DocumentHandlers) upload(w http.ResponseWriter, r *http.Request) {
	principal, record, ok := h.guardedRecord(w, r, rbac.ActionEdit)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentSize)
	if err := r.ParseMultipartForm(maxDocumentSize); err != nil {
		httputil.WriteBadRequest(w, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteBadRequest(w, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	docID := storage.NewDocumentID()
	key := storage.DocumentKey(record.OrgID, record.Module, record.ID, docID, header.Filename)

	size, err := h.blobs.Put(r.Context(), key, file, contentType)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	doc := crm.Document{
		ID:          docID,
		Name:        header.Filename,
		ContentType: contentType,
		Size:        size,
		StorageKey:  key,
		UploadedBy:  principal.UserID,
		UploadedAt:  time.Now().UTC(),
	}
	record.Documents = append(record.Documents, doc)

	if err := h.store.Update(r.Context(), record); err != nil {
		// The blob is orphaned if this cleanup fails too; it gets logged
		// and the upload is reported as failed either way.
		if delErr := h.blobs.Delete(r.Context(), key); delErr != nil {
			h.logger.WithError(delErr).WithField("key", key).Error("failed to clean up orphaned blob")
		}
		httputil.WriteInternalError(w, err)
		return
	}
	h.search.Invalidate(record.OrgID, record.Module)

	h.auditor.LogChange(r.Context(), audit.ChangeParams{
		OrgID:     record.OrgID,
		Action:    audit.ActionDocumentUpload,
		Module:    record.Module,
		RecordID:  record.ID,
		ActorType: audit.ActorUser,
		ActorID:   principal.UserID,
		NewState:  doc,
		Metadata: map[string]interface{}{
			"documentId": docID,
			"filename":   doc.Name,
			"size":       size,
		},
	})

	httputil.WriteCreated(w, doc)
}

func (h *DocumentHandlers) list(w http.ResponseWriter, r *http.Request) {
	_, record, ok := h.guardedRecord(w, r, rbac.ActionView)
	if !ok {
		return
	}
	docs := record.Documents
	if docs == nil {
		docs = []crm.Document{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"documents": docs})
}

// download redirects to a presigned URL when the backend supports one,
// otherwise streams the bytes through the API.
func (h *DocumentHandlers) download(w http.ResponseWriter, r *http.Request) {
	_, record, ok := h.guardedRecord(w, r, rbac.ActionView)
	if !ok {
		return
	}
	doc := findDocument(record, mux.Vars(r)["docID"])
	if doc == nil {
		httputil.WriteNotFound(w, "document not found")
		return
	}

	url, err := h.blobs.SignedURL(r.Context(), doc.StorageKey)
	if err == nil {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	if !errors.Is(err, storage.ErrSignedURLUnsupported) {
		httputil.WriteInternalError(w, err)
		return
	}

	rc, err := h.blobs.Get(r.Context(), doc.StorageKey)
	if errors.Is(err, storage.ErrBlobNotFound) {
		httputil.WriteNotFound(w, "document not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(doc.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Name+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WithError(err).WithField("key", doc.StorageKey).Warn("document stream interrupted")
	}
}

func (h *DocumentHandlers) deleteDocument(w http.ResponseWriter, r *http.Request) {
	principal, record, ok := h.guardedRecord(w, r, rbac.ActionEdit)
	if !ok {
		return
	}
	docID := mux.Vars(r)["docID"]
	doc := findDocument(record, docID)
	if doc == nil {
		httputil.WriteNotFound(w, "document not found")
		return
	}

	kept := make([]crm.Document, 0, len(record.Documents)-1)
	for _, d := range record.Documents {
		if d.ID != docID {
			kept = append(kept, d)
		}
	}
	record.Documents = kept

	if err := h.store.Update(r.Context(), record); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	h.search.Invalidate(record.OrgID, record.Module)

	if err := h.blobs.Delete(r.Context(), doc.StorageKey); err != nil {
		// Descriptor is gone; the orphaned blob is reclaimable by key prefix.
		h.logger.WithError(err).WithField("key", doc.StorageKey).Error("failed to delete blob")
	}

	h.auditor.LogChange(r.Context(), audit.ChangeParams{
		OrgID:         record.OrgID,
		Action:        audit.ActionDocumentDelete,
		Module:        record.Module,
		RecordID:      record.ID,
		ActorType:     audit.ActorUser,
		ActorID:       principal.UserID,
		PreviousState: doc,
		Metadata: map[string]interface{}{
			"documentId": docID,
			"filename":   doc.Name,
		},
	})

	httputil.WriteNoContent(w)
}

func findDocument(record *crm.Record, docID string) *crm.Document {
	for i := range record.Documents {
		if record.Documents[i].ID == docID {
			return &record.Documents[i]
		}
	}
	return nil
}
