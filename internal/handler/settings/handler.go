package settings

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	model "github.com/zhouzirui/speakup/backend/internal/model/settings"
	settingsService "github.com/zhouzirui/speakup/backend/internal/service/settings"
	"github.com/zhouzirui/speakup/backend/pkg/utils"
)

// Handler 设置接口
type Handler struct {
	store *settingsService.Store
}

// New 创建设置处理器
func New(store *settingsService.Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes 注册设置相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/settings", h.handleGet)
	r.Put("/settings", h.handleUpdate)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.store.Get())
}

// handleUpdate 以当前设置为底解码请求体，未出现的字段保持不变。
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	next := h.store.Get()
	if err := utils.DecodeJSON(r, &next); err != nil {
		if errors.Is(err, io.EOF) {
			utils.RespondError(w, http.StatusBadRequest, "request body is required")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.store.Update(r.Context(), next)
	if err != nil {
		if model.IsInvalid(err) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[settings] update failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	utils.RespondJSON(w, http.StatusOK, updated)
}
