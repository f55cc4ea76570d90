package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bankgate/pkg/apierror"
	"github.com/nao1215/bankgate/pkg/event"
	"github.com/nao1215/bankgate/pkg/middleware"
	"github.com/nao1215/bankgate/pkg/registry"
)

// RegistryTokenHeader は内部管理APIの認証に使うヘッダー。
const RegistryTokenHeader = "X-Registry-Token"

// adminHandlers はサービスレジストリと監査ログの内部管理API。
type adminHandlers struct {
	registry *registry.Registry
	audit    *AuditLog
	logger   *slog.Logger
}

// instanceRequest はインスタンスの登録・ハートビート・登録解除のリクエストボディ。
type instanceRequest struct {
	Service string          `json:"service" binding:"required"`
	Scheme  string          `json:"scheme"  binding:"omitempty,oneof=http https"`
	Host    string          `json:"host"    binding:"required"`
	Port    int             `json:"port"    binding:"required,gte=1,lte=65535"`
	Status  registry.Status `json:"status"`
}

// serviceResponse は1サービス分のインスタンス一覧。
type serviceResponse struct {
	Service   string              `json:"service"`
	Healthy   int                 `json:"healthy"`
	Instances []registry.Instance `json:"instances"`
}

// registryError はレジストリのエラーをAPIのエラーに変換する。
func registryError(err error) error {
	switch {
	case errors.Is(err, registry.ErrInstanceNotFound):
		return fmt.Errorf("%w: %w", apierror.ErrNotFound, err)
	case errors.Is(err, registry.ErrInvalidInstance):
		return fmt.Errorf("%w: %w", apierror.ErrBadRequest, err)
	default:
		return err
	}
}

func bindInstance(c *gin.Context) (instanceRequest, bool) {
	var req instanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierror.Respond(c, fmt.Errorf("%w: %w", apierror.ErrBadRequest, err), validationDetails(err)...)
		return req, false
	}
	if req.Status == "" {
		req.Status = registry.StatusPassing
	}
	if !req.Status.Valid() {
		apierror.Respond(c, apierror.ErrBadRequest, "status: passing または failing を指定してください")
		return req, false
	}
	return req, true
}

// handleRegister はインスタンスを登録するハンドラを返す。
func (h *adminHandlers) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindInstance(c)
		if !ok {
			return
		}
		inst, err := h.registry.Register(registry.Instance{
			Service: req.Service,
			Scheme:  req.Scheme,
			Host:    req.Host,
			Port:    req.Port,
			Status:  req.Status,
		})
		if err != nil {
			apierror.Respond(c, registryError(err))
			return
		}
		h.audit.RecordInstance(c.Request.Context(), event.TypeInstanceRegistered, c.Request.URL.Path, inst)
		c.JSON(http.StatusCreated, inst)
	}
}

// handleHeartbeat はハートビートを受け付けるハンドラを返す。
// 未登録のインスタンスには404を返し、再登録を促す。
func (h *adminHandlers) handleHeartbeat() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindInstance(c)
		if !ok {
			return
		}
		inst, err := h.registry.Heartbeat(req.Service, req.Host, req.Port, req.Status)
		if err != nil {
			apierror.Respond(c, registryError(err))
			return
		}
		if inst.Status == registry.StatusFailing {
			h.logger.Warn("インスタンスが異常を報告",
				slog.String("service", inst.Service),
				slog.String("addr", inst.Addr()),
			)
		}
		c.JSON(http.StatusOK, inst)
	}
}

// handleDeregister はインスタンスの登録を解除するハンドラを返す。
func (h *adminHandlers) handleDeregister() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindInstance(c)
		if !ok {
			return
		}
		if err := h.registry.Deregister(req.Service, req.Host, req.Port); err != nil {
			apierror.Respond(c, registryError(err))
			return
		}
		h.audit.RecordInstance(c.Request.Context(), event.TypeInstanceDeregistered, c.Request.URL.Path,
			registry.Instance{Service: req.Service, Host: req.Host, Port: req.Port})
		c.Status(http.StatusNoContent)
	}
}

// handleListServices は全サービスのインスタンス一覧を返すハンドラを返す。
func (h *adminHandlers) handleListServices() gin.HandlerFunc {
	return func(c *gin.Context) {
		services := h.registry.Services()
		out := make(map[string]serviceResponse, len(services))
		for name, instances := range services {
			out[name] = serviceResponse{
				Service:   name,
				Healthy:   len(h.registry.HealthyInstancesFor(name)),
				Instances: instances,
			}
		}
		c.JSON(http.StatusOK, out)
	}
}

// handleGetService は1サービスのインスタンス一覧を返すハンドラを返す。
func (h *adminHandlers) handleGetService() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		instances := h.registry.Instances(name)
		if len(instances) == 0 {
			apierror.Respond(c, fmt.Errorf("%w: %s", apierror.ErrNotFound, name))
			return
		}
		c.JSON(http.StatusOK, serviceResponse{
			Service:   name,
			Healthy:   len(h.registry.HealthyInstancesFor(name)),
			Instances: instances,
		})
	}
}

// handleListAudit は監査イベントを新しい順に返すハンドラを返す。
func (h *adminHandlers) handleListAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				apierror.Respond(c, apierror.ErrBadRequest, "limit: 1以上の整数を指定してください")
				return
			}
			limit = n
		}

		eventType := event.Type(c.Query("type"))
		if eventType != "" && !eventType.Valid() {
			apierror.Respond(c, apierror.ErrBadRequest, fmt.Sprintf("type: 不明なイベント種別 %q", eventType))
			return
		}

		events, err := h.audit.List(c.Request.Context(), eventType, limit)
		if err != nil {
			h.logger.Error("監査イベントの取得に失敗",
				slog.String("request_id", middleware.GetRequestID(c)),
				slog.Any("error", err),
			)
			apierror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}
