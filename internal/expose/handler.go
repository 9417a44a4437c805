package expose

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const (
	routeRoot = "/"
	routeFile = "/{token}/{name}"

	varToken = "token"
	varName  = "name"

	msgListingForbidden = "Directory listing forbidden"
	msgFileNotFound     = "File not found"
)

// FileHandler serves files from directories bound to opaque tokens.
//
// Requests take the form /{token}/{name}. The root path is always rejected
// with 403 so the handler never lists directories or serves index documents.
type FileHandler struct {
	router *mux.Router

	mu    sync.RWMutex
	roots map[string]string
}

// NewFileHandler creates a handler with no bound directories.
func NewFileHandler() *FileHandler {
	handler := &FileHandler{
		router: mux.NewRouter(),
		roots:  make(map[string]string),
	}

	handler.router.HandleFunc(routeRoot, handler.forbidRoot).
		Methods(http.MethodGet, http.MethodHead)
	handler.router.HandleFunc(routeFile, handler.serveFile).
		Methods(http.MethodGet, http.MethodHead)
	handler.router.NotFoundHandler = http.HandlerFunc(notFound)

	return handler
}

// Bind registers dir as a serving root and returns the token that addresses it.
func (h *FileHandler) Bind(dir string) string {
	token := uuid.NewString()

	h.mu.Lock()
	h.roots[token] = dir
	h.mu.Unlock()

	return token
}

// Unbind removes the serving root registered under token.
func (h *FileHandler) Unbind(token string) {
	h.mu.Lock()
	delete(h.roots, token)
	h.mu.Unlock()
}

// Bound returns the number of currently bound serving roots.
func (h *FileHandler) Bound() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.roots)
}

// ServeHTTP implements http.Handler.
func (h *FileHandler) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	h.router.ServeHTTP(responseWriter, request)
}

func (h *FileHandler) root(token string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dir, ok := h.roots[token]

	return dir, ok
}

func (h *FileHandler) forbidRoot(responseWriter http.ResponseWriter, _ *http.Request) {
	http.Error(responseWriter, msgListingForbidden, http.StatusForbidden)
}

func (h *FileHandler) serveFile(responseWriter http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)

	dir, ok := h.root(vars[varToken])
	if !ok {
		notFound(responseWriter, request)

		return
	}

	name := vars[varName]
	if name == "." || name == ".." || filepath.Base(name) != name {
		notFound(responseWriter, request)

		return
	}

	file, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			notFound(responseWriter, request)

			return
		}

		http.Error(responseWriter, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		notFound(responseWriter, request)

		return
	}

	http.ServeContent(responseWriter, request, name, info.ModTime(), file)
}

func notFound(responseWriter http.ResponseWriter, _ *http.Request) {
	http.Error(responseWriter, msgFileNotFound, http.StatusNotFound)
}
