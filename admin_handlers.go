package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"iptv-gate/work/database"
	"iptv-gate/work/logger"
	"iptv-gate/work/middleware"
	"iptv-gate/work/types"
)

// setupAdminRoutes wires the JWT-protected admin API onto the router.
func setupAdminRoutes(router *mux.Router, app *App) {
	router.HandleFunc("/api/auth/login", corsMiddleware(handleLogin(app))).Methods("POST", "OPTIONS")

	router.HandleFunc("/api/users", corsMiddleware(requireAdmin(app, middleware.GzipMiddleware(handleListUsers(app))))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/users", corsMiddleware(requireAdmin(app, handleCreateUser(app)))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/users/{id}", corsMiddleware(requireAdmin(app, handleGetUser(app)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/users/{id}", corsMiddleware(requireAdmin(app, handleUpdateUser(app)))).Methods("PUT", "OPTIONS")
	router.HandleFunc("/api/users/{id}", corsMiddleware(requireAdmin(app, handleDeleteUser(app)))).Methods("DELETE", "OPTIONS")

	router.HandleFunc("/api/users/{id}/sessions", corsMiddleware(requireAdmin(app, middleware.GzipMiddleware(handleListUserSessions(app))))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/users/{id}/sessions", corsMiddleware(requireAdmin(app, handleReleaseAllSessions(app)))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/users/{id}/sessions/{sessionID}", corsMiddleware(requireAdmin(app, handleReleaseSession(app)))).Methods("DELETE", "OPTIONS")

	router.HandleFunc("/api/sessions", corsMiddleware(requireAdmin(app, middleware.GzipMiddleware(handleListAllSessions(app))))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/stats", corsMiddleware(requireAdmin(app, middleware.GzipMiddleware(handleGetStats(app))))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/ingest/refresh", corsMiddleware(requireAdmin(app, handleIngestRefresh(app)))).Methods("POST", "OPTIONS")
}

// corsMiddleware provides CORS support for admin API endpoints.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// adminClaims is the JWT payload issued to authenticated admins.
type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// handleLogin authenticates an admin account and issues a short-lived
// bearer token.
func handleLogin(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if app.Config.JWTSecret == "" {
			writeJSONError(w, http.StatusServiceUnavailable, "admin authentication is not configured")
			return
		}

		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		user, err := app.DB.GetUserByUsername(r.Context(), creds.Username)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if !user.IsAdmin() {
			writeJSONError(w, http.StatusForbidden, "admin access required")
			return
		}

		now := time.Now().UTC()
		claims := adminClaims{
			Role: user.Role,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   user.ID,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(app.Config.AdminTokenTTL)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(app.Config.JWTSecret))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		logger.Info("{admin - handleLogin} admin %s logged in", user.Username)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"token":     token,
			"expiresIn": int(app.Config.AdminTokenTTL.Seconds()),
		})
	}
}

// requireAdmin validates the bearer token before letting a request through.
func requireAdmin(app *App, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if app.Config.JWTSecret == "" {
			writeJSONError(w, http.StatusServiceUnavailable, "admin authentication is not configured")
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims := &adminClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims,
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(app.Config.JWTSecret), nil
			})
		if err != nil || !token.Valid || claims.Role != "admin" {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func handleListUsers(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := app.DB.ListUsers(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"users": users, "count": len(users)})
	}
}

type userPayload struct {
	Username       string  `json:"username"`
	Password       string  `json:"password"`
	MaxConnections *int    `json:"maxConnections"`
	IsActive       *bool   `json:"isActive"`
	ExpiresAt      *string `json:"expiresAt"`
	Role           string  `json:"role"`
}

func handleCreateUser(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload userPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if payload.Username == "" || payload.Password == "" {
			writeJSONError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		existing, err := app.DB.GetUserByUsername(r.Context(), payload.Username)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if existing != nil {
			writeJSONError(w, http.StatusConflict, "username already exists")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), bcrypt.DefaultCost)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		user := &types.User{
			ID:             uuid.NewString(),
			Username:       payload.Username,
			PasswordHash:   string(hash),
			MaxConnections: 2,
			IsActive:       true,
			Role:           "user",
			CreatedAt:      time.Now().UTC(),
		}
		if payload.MaxConnections != nil {
			if *payload.MaxConnections < 1 || *payload.MaxConnections > 10 {
				writeJSONError(w, http.StatusBadRequest, "maxConnections must be between 1 and 10")
				return
			}
			user.MaxConnections = *payload.MaxConnections
		}
		if payload.IsActive != nil {
			user.IsActive = *payload.IsActive
		}
		if payload.Role == "admin" {
			user.Role = "admin"
		}
		if payload.ExpiresAt != nil && *payload.ExpiresAt != "" {
			expires, err := time.Parse(time.RFC3339, *payload.ExpiresAt)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "expiresAt must be RFC3339")
				return
			}
			user.ExpiresAt = &expires
		}

		if err := app.DB.CreateUser(r.Context(), user); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		logger.Info("{admin - handleCreateUser} created user %s (max %d connections)",
			user.Username, user.MaxConnections)
		writeJSON(w, http.StatusCreated, user)
	}
}

func handleGetUser(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := app.DB.GetUserByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if user == nil {
			writeJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func handleUpdateUser(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload userPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if payload.MaxConnections != nil && (*payload.MaxConnections < 1 || *payload.MaxConnections > 10) {
			writeJSONError(w, http.StatusBadRequest, "maxConnections must be between 1 and 10")
			return
		}

		update := database.UserUpdate{
			MaxConnections: payload.MaxConnections,
			IsActive:       payload.IsActive,
		}
		if payload.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), bcrypt.DefaultCost)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			hashStr := string(hash)
			update.PasswordHash = &hashStr
		}
		if payload.Role != "" {
			update.Role = &payload.Role
		}
		if payload.ExpiresAt != nil {
			if *payload.ExpiresAt == "" {
				update.ClearExpiry = true
			} else {
				expires, err := time.Parse(time.RFC3339, *payload.ExpiresAt)
				if err != nil {
					writeJSONError(w, http.StatusBadRequest, "expiresAt must be RFC3339")
					return
				}
				update.ExpiresAt = &expires
			}
		}

		id := mux.Vars(r)["id"]
		exists, err := app.DB.UpdateUser(r.Context(), id, update)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !exists {
			writeJSONError(w, http.StatusNotFound, "user not found")
			return
		}

		user, err := app.DB.GetUserByID(r.Context(), id)
		if err != nil || user == nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func handleDeleteUser(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		removed, err := app.DB.DeleteUser(r.Context(), id)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !removed {
			writeJSONError(w, http.StatusNotFound, "user not found")
			return
		}
		logger.Info("{admin - handleDeleteUser} deleted user %s", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListUserSessions(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := app.Registry.ListActive(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "count": len(sessions)})
	}
}

func handleReleaseAllSessions(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		released, err := app.Registry.ReleaseAll(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"released": released})
	}
}

func handleReleaseSession(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		removed, err := app.Registry.Release(r.Context(), vars["id"], vars["sessionID"])
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !removed {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
	}
}

func handleListAllSessions(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := app.DB.ListAllSessions(r.Context(), 500)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "count": len(sessions)})
	}
}

func handleGetStats(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		totalUsers, activeUsers, err := app.DB.CountUsers(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		sessions, err := app.Registry.ActiveCount(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		catalog, err := app.DB.CatalogCounts(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"users": map[string]int{
				"total":  totalUsers,
				"active": activeUsers,
			},
			"activeSessions": sessions,
			"catalog":        catalog,
			"version":        Version,
		})
	}
}

// handleIngestRefresh triggers a catalog refresh in the background and
// returns immediately.
func handleIngestRefresh(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go func() {
			if err := app.Ingester.Refresh(context.Background()); err != nil {
				logger.Error("{admin - handleIngestRefresh} refresh failed: %v", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
