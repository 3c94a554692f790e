package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/dverbeek/syncdoc/access"
	"github.com/dverbeek/syncdoc/auth"
	"github.com/dverbeek/syncdoc/store"
)

// API serves the account and document CRUD surface around the sync
// engine.
type API struct {
	store  store.Store
	policy *access.Policy
	issuer *auth.Issuer
	log    zerolog.Logger
}

func NewAPI(st store.Store, policy *access.Policy, issuer *auth.Issuer, log zerolog.Logger) *API {
	return &API{
		store:  st,
		policy: policy,
		issuer: issuer,
		log:    log.With().Str("component", "api").Logger(),
	}
}

// Register mounts the API routes on the router.
func (a *API) Register(router *mux.Router) {
	router.HandleFunc("/api/auth/register", a.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/login", a.handleLogin).Methods(http.MethodPost)
	router.Handle("/api/auth/me", a.authenticate(a.handleMe)).Methods(http.MethodGet)

	router.Handle("/api/documents", a.authenticate(a.handleListDocuments)).Methods(http.MethodGet)
	router.Handle("/api/documents", a.authenticate(a.handleCreateDocument)).Methods(http.MethodPost)
	router.Handle("/api/documents/{id}", a.authenticate(a.handleGetDocument)).Methods(http.MethodGet)
	router.Handle("/api/documents/{id}", a.authenticate(a.handleUpdateDocument)).Methods(http.MethodPatch)
	router.Handle("/api/documents/{id}", a.authenticate(a.handleDeleteDocument)).Methods(http.MethodDelete)
	router.Handle("/api/documents/{id}/collaborators", a.authenticate(a.handleAddCollaborator)).Methods(http.MethodPost)
	router.Handle("/api/documents/{id}/public", a.authenticate(a.handleSetPublic)).Methods(http.MethodPost)
}

// authenticate rejects requests without a valid bearer token and passes
// the verified identity to the handler.
func (a *API) authenticate(next func(http.ResponseWriter, *http.Request, auth.Identity)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.issuer.Verify(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, identity)
	})
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type authResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type documentResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"ownerId"`
	Public    bool      `json:"isPublic"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toDocumentResponse(d *store.Document) documentResponse {
	return documentResponse{
		ID:        d.ID,
		Title:     d.Title,
		OwnerID:   d.OwnerID,
		Public:    d.Public,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		a.serverError(w, err)
		return
	}

	user := &store.User{
		ID:       uuid.NewString(),
		Email:    req.Email,
		Password: hash,
		Name:     req.Name,
	}
	if err := a.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrExists) {
			writeError(w, http.StatusBadRequest, "user already exists")
			return
		}
		a.serverError(w, err)
		return
	}

	a.respondWithToken(w, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := a.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || !auth.CheckPassword(user.Password, req.Password) {
		// Unknown email and wrong password are indistinguishable.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	a.respondWithToken(w, user)
}

func (a *API) respondWithToken(w http.ResponseWriter, user *store.User) {
	token, err := a.issuer.Sign(user.ID, user.Email)
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		Token: token,
		User:  userResponse{ID: user.ID, Email: user.Email, Name: user.Name},
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	user, err := a.store.GetUser(r.Context(), id.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email, Name: user.Name})
}

func (a *API) handleListDocuments(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	docs, err := a.store.ListDocuments(r.Context(), id.UserID)
	if err != nil {
		a.serverError(w, err)
		return
	}
	result := make([]documentResponse, 0, len(docs))
	for i := range docs {
		result = append(result, toDocumentResponse(&docs[i]))
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleCreateDocument(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Title == "" {
		req.Title = "Untitled Document"
	}

	doc := &store.Document{
		ID:      uuid.NewString(),
		Title:   req.Title,
		OwnerID: id.UserID,
	}
	if err := a.store.CreateDocument(r.Context(), doc); err != nil {
		a.serverError(w, err)
		return
	}
	created, err := a.store.GetDocument(r.Context(), doc.ID)
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(created))
}

func (a *API) handleGetDocument(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	docID := mux.Vars(r)["id"]
	// Access denial and absence look identical, as on the sync path.
	if !a.policy.CanAccess(r.Context(), docID, id.UserID) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	doc, err := a.store.GetDocument(r.Context(), docID)
	if err != nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (a *API) handleUpdateDocument(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	docID := mux.Vars(r)["id"]
	if !a.policy.CanEdit(r.Context(), docID, id.UserID) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := a.store.UpdateTitle(r.Context(), docID, req.Title); err != nil {
		a.serverError(w, err)
		return
	}
	doc, err := a.store.GetDocument(r.Context(), docID)
	if err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (a *API) handleDeleteDocument(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	docID := mux.Vars(r)["id"]
	if !a.isOwner(r, docID, id.UserID) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err := a.store.DeleteDocument(r.Context(), docID); err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "document deleted"})
}

func (a *API) handleAddCollaborator(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	docID := mux.Vars(r)["id"]
	if !a.isOwner(r, docID, id.UserID) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	var req struct {
		UserID     string `json:"userId"`
		Permission string `json:"permission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	perm := store.Permission(req.Permission)
	if perm != store.PermissionView && perm != store.PermissionEdit {
		writeError(w, http.StatusBadRequest, "permission must be view or edit")
		return
	}

	if err := a.store.AddCollaborator(r.Context(), docID, store.Collaborator{
		UserID:     req.UserID,
		Permission: perm,
	}); err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "collaborator added"})
}

func (a *API) handleSetPublic(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	docID := mux.Vars(r)["id"]
	if !a.isOwner(r, docID, id.UserID) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	var req struct {
		Public bool `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := a.store.SetPublic(r.Context(), docID, req.Public); err != nil {
		a.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "visibility updated"})
}

func (a *API) isOwner(r *http.Request, docID, userID string) bool {
	doc, err := a.store.GetDocument(r.Context(), docID)
	return err == nil && doc.OwnerID == userID
}

func (a *API) serverError(w http.ResponseWriter, err error) {
	a.log.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "server error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
