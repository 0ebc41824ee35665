package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/keepwallet/vaultd"
)

// bindError classifies a malformed request body before anything touches the
// dispatcher.
func bindError(err error) error {
	return &vaultd.DeviceError{Kind: vaultd.KindInvalidInput, Message: err.Error()}
}

// errorBody is the envelope on every failed response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(kind vaultd.ErrorKind) int {
	switch kind {
	case vaultd.KindDeviceNotFound:
		return http.StatusNotFound
	case vaultd.KindDeviceBusy, vaultd.KindDeviceClaimed:
		return http.StatusConflict
	case vaultd.KindCommunicationTimeout:
		return http.StatusGatewayTimeout
	case vaultd.KindRequiresUpdateOrInit, vaultd.KindRequiresPinUnlock:
		return http.StatusPreconditionFailed
	case vaultd.KindInvalidInput:
		return http.StatusBadRequest
	case vaultd.KindDeviceRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func abortWithError(c *gin.Context, err error) {
	kind := vaultd.KindOf(err)
	c.JSON(statusFor(kind), errorBody{Code: string(kind), Message: err.Error()})
}

func respond(c *gin.Context, resp vaultd.Response) {
	if !resp.Success {
		kind := vaultd.ErrorKind(resp.ErrorCode)
		c.JSON(statusFor(kind), errorBody{Code: resp.ErrorCode, Message: resp.Error})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// deviceScoped is the common part of every device-bound request body.
type deviceScoped struct {
	DeviceID  string `json:"device_id" binding:"required"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListDevices(c *gin.Context) {
	devices, err := s.registry.ListDevices(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) handleResponse(c *gin.Context) {
	resp, ok := s.dispatcher.Response(c.Param("request_id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{
			Code:    string(vaultd.KindInvalidInput),
			Message: "no response recorded for request id " + c.Param("request_id"),
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAddress(network vaultd.Network) gin.HandlerFunc {
	type addressBody struct {
		deviceScoped
		Path        string `json:"path" binding:"required"`
		Coin        string `json:"coin,omitempty"`
		ScriptType  string `json:"script_type,omitempty"`
		ShowDisplay bool   `json:"show_display,omitempty"`
	}
	return func(c *gin.Context) {
		var body addressBody
		if err := c.ShouldBindJSON(&body); err != nil {
			abortWithError(c, bindError(err))
			return
		}
		resp := s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.AddressRequest{
			Network:     network,
			Path:        body.Path,
			Coin:        body.Coin,
			ScriptType:  body.ScriptType,
			ShowDisplay: body.ShowDisplay,
		})
		respond(c, resp)
	}
}

func (s *Server) handleXpub(c *gin.Context) {
	var body struct {
		deviceScoped
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	respond(c, s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.XpubRequest{Path: body.Path}))
}

func (s *Server) handlePing(c *gin.Context) {
	var body struct {
		deviceScoped
		Message          string `json:"message,omitempty"`
		ButtonProtection bool   `json:"button_protection,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	respond(c, s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.PingRequest{
		Message:          body.Message,
		ButtonProtection: body.ButtonProtection,
	}))
}

func (s *Server) handleGetFeatures(c *gin.Context) {
	var body deviceScoped
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	respond(c, s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.FeaturesRequest{}))
}

func (s *Server) handleGetEntropy(c *gin.Context) {
	var body struct {
		deviceScoped
		Size uint32 `json:"size" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	respond(c, s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.EntropyRequest{Size: body.Size}))
}

func (s *Server) handleGetPublicKey(c *gin.Context) {
	var body struct {
		deviceScoped
		Path  string `json:"path" binding:"required"`
		Curve string `json:"curve,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	respond(c, s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.PublicKeyRequest{
		Path:  body.Path,
		Curve: body.Curve,
	}))
}

func (s *Server) handleApplySettings(c *gin.Context) {
	var body struct {
		deviceScoped
		Label           *string `json:"label,omitempty"`
		UsePassphrase   *bool   `json:"use_passphrase,omitempty"`
		AutoLockDelayMs *uint32 `json:"auto_lock_delay_ms,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	respond(c, s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.ApplySettingsRequest{
		Label:           body.Label,
		UsePassphrase:   body.UsePassphrase,
		AutoLockDelayMs: body.AutoLockDelayMs,
	}))
}

func (s *Server) handleClearSession(c *gin.Context) {
	var body deviceScoped
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	respond(c, s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.ClearSessionRequest{}))
}

func (s *Server) handleWipeDevice(c *gin.Context) {
	var body deviceScoped
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	respond(c, s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.WipeDeviceRequest{}))
}

func (s *Server) handleSignTransaction(c *gin.Context) {
	var body struct {
		deviceScoped
		Coin     string                `json:"coin,omitempty"`
		Inputs   []vaultd.TxSignInput  `json:"inputs" binding:"required"`
		Outputs  []vaultd.TxSignOutput `json:"outputs" binding:"required"`
		Version  uint32                `json:"version,omitempty"`
		LockTime uint32                `json:"lock_time,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	respond(c, s.dispatcher.Submit(c.Request.Context(), body.DeviceID, body.RequestID, vaultd.SignTxRequest{
		Coin:     body.Coin,
		Inputs:   body.Inputs,
		Outputs:  body.Outputs,
		Version:  body.Version,
		LockTime: body.LockTime,
	}))
}

func (s *Server) handlePinCreate(c *gin.Context) {
	var body struct {
		deviceScoped
		Label string `json:"label,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	session, err := s.pin.StartCreation(c.Request.Context(), body.DeviceID, body.Label)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handlePinUnlock(c *gin.Context) {
	var body deviceScoped
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	session, err := s.pin.StartUnlock(c.Request.Context(), body.DeviceID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handlePinSession(c *gin.Context) {
	session, err := s.pin.Session(c.Param("session_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handlePinPositions(c *gin.Context) {
	var body struct {
		Positions []int `json:"positions" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	session, err := s.pin.SubmitPositions(c.Request.Context(), c.Param("session_id"), body.Positions)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handlePinCancel(c *gin.Context) {
	if err := s.pin.Cancel(c.Request.Context(), c.Param("session_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleRecoveryStart(c *gin.Context) {
	var body struct {
		deviceScoped
		WordCount  uint32 `json:"word_count" binding:"required"`
		Passphrase bool   `json:"passphrase,omitempty"`
		Label      string `json:"label,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	session, err := s.recovery.StartRecovery(c.Request.Context(), body.DeviceID, body.WordCount, body.Passphrase, body.Label)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleRecoveryVerify(c *gin.Context) {
	var body struct {
		deviceScoped
		WordCount uint32 `json:"word_count" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	session, err := s.recovery.StartVerification(c.Request.Context(), body.DeviceID, body.WordCount)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleRecoverySession(c *gin.Context) {
	session, err := s.recovery.Session(c.Param("session_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleRecoveryCharacter(c *gin.Context) {
	var body vaultd.CharacterInput
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	session, err := s.recovery.SubmitCharacter(c.Request.Context(), c.Param("session_id"), body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleRecoveryPin(c *gin.Context) {
	var body struct {
		Positions []int `json:"positions" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, bindError(err))
		return
	}
	session, err := s.recovery.SubmitPin(c.Request.Context(), c.Param("session_id"), body.Positions)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleRecoveryCancel(c *gin.Context) {
	if err := s.recovery.Cancel(c.Request.Context(), c.Param("session_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleCacheStatus(c *gin.Context) {
	status, err := s.cache.Status(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleCacheClear(c *gin.Context) {
	if err := s.cache.Clear(c.Request.Context(), c.Param("device_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) handleCacheFrontload(c *gin.Context) {
	deviceID := c.Param("device_id")
	go s.dispatcher.Frontload(context.WithoutCancel(c.Request.Context()), deviceID)
	c.JSON(http.StatusAccepted, gin.H{"frontload": "started"})
}
