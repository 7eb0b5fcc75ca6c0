package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/fanout"
	"github.com/talkincode/toughwa/internal/session"
	"github.com/talkincode/toughwa/internal/webserver"
	"go.uber.org/zap"
)

// InstanceApi exposes the session manager over HTTP. Every handler maps
// one-to-one to a manager operation.
type InstanceApi struct {
	mgr *session.Manager
	hub *fanout.Hub
}

func NewInstanceApi(mgr *session.Manager, hub *fanout.Hub) *InstanceApi {
	return &InstanceApi{mgr: mgr, hub: hub}
}

func (a *InstanceApi) Register(ws *webserver.WebServer) {
	ws.ApiGET("/instances", a.listInstances)
	ws.ApiPOST("/instances", a.createInstance)
	ws.ApiGET("/instances/:id", a.getInstance)
	ws.ApiDELETE("/instances/:id", a.deleteInstance)
	ws.ApiGET("/instances/:id/status", a.getInstance)
	ws.ApiGET("/instances/:id/qr", a.getInstanceQR)
	ws.ApiGET("/instances/:id/qr.png", a.getInstanceQRImage)
	ws.ApiPOST("/instances/:id/reconnect", a.reconnectInstance)
	ws.ApiPOST("/instances/:id/resume", a.resumeInstance)
	ws.ApiPOST("/instances/:id/disconnect", a.disconnectInstance)
	ws.ApiPOST("/instances/:id/messages", a.sendMessage)
	ws.ApiGET("/instances/:id/events", a.streamEvents)
}

func (a *InstanceApi) listInstances(c echo.Context) error {
	return ok(c, a.mgr.GetAllInstances())
}

// createInstance accepts {id, name, webhook_url, replace}.
func (a *InstanceApi) createInstance(c echo.Context) error {
	var req session.CreateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	inst, err := a.mgr.CreateInstance(c.Request().Context(), req)
	if err != nil {
		zap.L().Warn("adminapi: create instance failed", zap.String("instance_id", req.ID), zap.Error(err))
		return failErr(c, err)
	}
	return ok(c, inst)
}

func (a *InstanceApi) getInstance(c echo.Context) error {
	inst, err := a.mgr.GetInstance(c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, inst)
}

func (a *InstanceApi) deleteInstance(c echo.Context) error {
	id := c.Param("id")
	if err := a.mgr.DeleteInstance(c.Request().Context(), id); err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{"id": id, "deleted": true})
}

func (a *InstanceApi) getInstanceQR(c echo.Context) error {
	inst, err := a.mgr.GetInstance(c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, map[string]interface{}{"qr": inst.QR, "has_qr": inst.QR != "", "status": inst.Status})
}

// getInstanceQRImage renders the pending QR as PNG; 404 when none is pending.
func (a *InstanceApi) getInstanceQRImage(c echo.Context) error {
	inst, err := a.mgr.GetInstance(c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	if inst.QR == "" {
		return fail(c, http.StatusNotFound, "NO_QR", "No QR code pending", map[string]interface{}{"status": inst.Status})
	}
	png, err := qrcode.Encode(inst.QR, qrcode.Medium, 256)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QR_RENDER_FAILED", "Unable to render QR code", err.Error())
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}

func (a *InstanceApi) reconnectInstance(c echo.Context) error {
	inst, err := a.mgr.ReconnectInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, inst)
}

func (a *InstanceApi) resumeInstance(c echo.Context) error {
	inst, err := a.mgr.ReconnectWithoutDeletingSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, inst)
}

func (a *InstanceApi) disconnectInstance(c echo.Context) error {
	inst, err := a.mgr.DisconnectInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, inst)
}

// sendMessage accepts {to, content, kind}; kind defaults to text.
func (a *InstanceApi) sendMessage(c echo.Context) error {
	var req session.SendRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	id := c.Param("id")
	msgID, err := a.mgr.SendMessage(c.Request().Context(), id, req)
	if err != nil {
		if isCallerError(err) {
			return failErr(c, err)
		}
		zap.L().Warn("adminapi: send failed", zap.String("instance_id", id), zap.Error(err))
		return fail(c, http.StatusBadGateway, "SEND_FAILED", "Failed to send message", err.Error())
	}
	return ok(c, map[string]interface{}{"message_id": msgID, "instance_id": id})
}

func isCallerError(err error) bool {
	for _, target := range []error{domain.ErrNotFound, domain.ErrNotConnected, domain.ErrInvalidRequest} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
