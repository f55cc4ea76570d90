package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/bankgate/pkg/apierror"
	"github.com/nao1215/bankgate/pkg/event"
	"github.com/nao1215/bankgate/pkg/token"
)

// authHandlers は /api/auth/* のうちGatewayが自身で処理するエンドポイント。
type authHandlers struct {
	issuer    *token.Issuer
	validator *token.Validator
	verifier  CredentialVerifier
	registrar UserRegistrar
	audit     *AuditLog
	logger    *slog.Logger
}

// registerRequest はユーザー登録のリクエストボディ。
type registerRequest struct {
	Identifier string `json:"identifier" binding:"required,max=254"`
	Secret     string `json:"secret"     binding:"required,min=8,max=72"`
}

// refreshRequest はトークン更新・ログアウトのリクエストボディ。
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// registerResponse はユーザー登録のレスポンスボディ。
type registerResponse struct {
	UserID string `json:"userId"`
}

// logoutResponse はログアウトのレスポンスボディ。
type logoutResponse struct {
	// Revoked はこの呼び出しでアクセストークンを失効させたかどうか。
	Revoked bool `json:"revoked"`
}

// login は認証情報を検証し、トークンペアを発行する。
func (h *authHandlers) login(c *gin.Context, x *exchange) (int, any, error) {
	var creds Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", apierror.ErrBadRequest, err)
	}

	ctx := c.Request.Context()
	userID, err := h.verifier.Verify(ctx, creds)
	if err != nil {
		if errors.Is(err, apierror.ErrInvalidCredentials) {
			h.audit.Record(ctx, event.TypeLoginFailed, "", x.clientKey, c.Request.URL.Path,
				event.LoginFailedData{Identifier: creds.normalizedIdentifier(), Reason: "invalid_credentials"})
		}
		return 0, nil, err
	}

	pair, err := h.issuer.Issue(userID)
	if err != nil {
		return 0, nil, fmt.Errorf("トークンの発行に失敗: %w", err)
	}
	h.audit.Record(ctx, event.TypeLoginSucceeded, userID, x.clientKey, c.Request.URL.Path, nil)
	return http.StatusOK, pair, nil
}

// register はローカルの利用者表にユーザーを登録する。
func (h *authHandlers) register(c *gin.Context, x *exchange) (int, any, error) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", apierror.ErrBadRequest, err)
	}

	ctx := c.Request.Context()
	userID, err := h.registrar.Register(ctx, Credentials{Identifier: req.Identifier, Secret: req.Secret})
	if err != nil {
		return 0, nil, err
	}
	h.audit.Record(ctx, event.TypeUserRegistered, userID, x.clientKey, c.Request.URL.Path, nil)
	return http.StatusCreated, registerResponse{UserID: userID}, nil
}

// refresh はリフレッシュトークンを1回だけ使えるものとして交換し、新しいトークンペアを発行する。
// 使用済みのリフレッシュトークンは失効リストに入るため、再提示は TokenRevoked になる。
func (h *authHandlers) refresh(c *gin.Context, x *exchange) (int, any, error) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", apierror.ErrBadRequest, err)
	}
	if req.RefreshToken == "" {
		return 0, nil, apierror.ErrMissingToken
	}

	ctx := c.Request.Context()
	claims, err := h.validator.ValidateRefresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, apierror.ErrTokenRevoked) && claims != nil {
			h.recordReplay(c, x, claims)
		}
		return 0, nil, err
	}

	inserted, err := h.validator.Revoke(ctx, claims)
	if err != nil {
		return 0, nil, fmt.Errorf("リフレッシュトークンの失効に失敗: %w", err)
	}
	if !inserted {
		// 同時に提示された別のリクエストが先に交換した
		h.recordReplay(c, x, claims)
		return 0, nil, apierror.ErrTokenRevoked
	}

	pair, err := h.issuer.Issue(claims.UserID())
	if err != nil {
		return 0, nil, fmt.Errorf("トークンの発行に失敗: %w", err)
	}
	h.audit.Record(ctx, event.TypeTokenRefreshed, claims.UserID(), x.clientKey, c.Request.URL.Path,
		event.TokenData{TokenID: claims.TokenID(), TokenType: string(token.TypeRefresh)})
	return http.StatusOK, pair, nil
}

func (h *authHandlers) recordReplay(c *gin.Context, x *exchange, claims *token.Claims) {
	h.logger.Warn("使用済みのリフレッシュトークンが提示されました",
		slog.String("subject", claims.UserID()),
		slog.String("token_id", claims.TokenID()),
	)
	h.audit.Record(c.Request.Context(), event.TypeRefreshReplayed, claims.UserID(), x.clientKey, c.Request.URL.Path,
		event.TokenData{TokenID: claims.TokenID(), TokenType: string(token.TypeRefresh)})
}

// logout はアクセストークン（と任意でリフレッシュトークン）を失効させる。
// 既に失効済みのトークンでのログアウトは何もせずに成功する。
func (h *authHandlers) logout(c *gin.Context, x *exchange) (int, any, error) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, fmt.Errorf("%w: %w", apierror.ErrBadRequest, err)
	}

	ctx := c.Request.Context()
	revoked := false
	if !x.revoked {
		inserted, err := h.validator.Revoke(ctx, x.claims)
		if err != nil {
			return 0, nil, fmt.Errorf("アクセストークンの失効に失敗: %w", err)
		}
		revoked = inserted
		if inserted {
			h.audit.Record(ctx, event.TypeTokenRevoked, x.subject(), x.clientKey, c.Request.URL.Path,
				event.TokenData{TokenID: x.claims.TokenID(), TokenType: string(token.TypeAccess)})
		}
	}

	if req.RefreshToken != "" {
		if err := h.revokeRefresh(c, x, req.RefreshToken); err != nil {
			return 0, nil, err
		}
	}
	return http.StatusOK, logoutResponse{Revoked: revoked}, nil
}

// revokeRefresh はログアウト時に提示されたリフレッシュトークンを失効させる。
// 期限切れや失効済みのものは対象外として無視する。
func (h *authHandlers) revokeRefresh(c *gin.Context, x *exchange, raw string) error {
	ctx := c.Request.Context()
	claims, err := h.validator.ValidateRefresh(ctx, raw)
	switch {
	case errors.Is(err, apierror.ErrTokenExpired), errors.Is(err, apierror.ErrTokenRevoked):
		return nil
	case err != nil:
		return err
	}
	if claims.UserID() != x.subject() {
		return fmt.Errorf("%w: 他のユーザーのリフレッシュトークンです", apierror.ErrForbidden)
	}

	inserted, err := h.validator.Revoke(ctx, claims)
	if err != nil {
		return fmt.Errorf("リフレッシュトークンの失効に失敗: %w", err)
	}
	if inserted {
		h.audit.Record(ctx, event.TypeTokenRevoked, x.subject(), x.clientKey, c.Request.URL.Path,
			event.TokenData{TokenID: claims.TokenID(), TokenType: string(token.TypeRefresh)})
	}
	return nil
}
