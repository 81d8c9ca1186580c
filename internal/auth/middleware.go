package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "DACTP-Chain/internal/errors"
	loggerpkg "DACTP-Chain/pkg/logger"
)

const defaultMaxBodyBytes = 1 << 20

// Verifier 负责校验签名请求并把授权身份写入上下文。
type Verifier struct {
	audit        *slog.Logger
	maxBodyBytes int64
}

// VerifierOption 定义可选配置。
type VerifierOption func(*Verifier)

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.audit = logger
	}
}

// WithMaxBodyBytes 限制参与签名的请求体大小。
func WithMaxBodyBytes(limit int64) VerifierOption {
	return func(v *Verifier) {
		if limit > 0 {
			v.maxBodyBytes = limit
		}
	}
}

// NewVerifier 构造签名校验器。
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if v.audit == nil {
		v.audit = loggerpkg.Audit()
	}
	return v
}

// Middleware 返回一个 HTTP 中间件。
//
// 未携带签名头的请求按匿名调用放行，需要授权的操作会在执行阶段返回 UNAUTHORIZED；
// 携带签名但校验失败的请求直接以 401 拒绝。
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}

		if r.Header.Get(HeaderSignature) == "" && r.Header.Get(HeaderSigner) == "" {
			next.ServeHTTP(aw, r)
			v.logRequest(r, aw.status, start, "")
			return
		}

		grant, err := v.verify(r)
		if err != nil {
			status := http.StatusUnauthorized
			if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
			v.audit.Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", status,
				"signer", r.Header.Get(HeaderSigner),
				"error", err.Error(),
			)
			return
		}

		ctx := WithGrant(r.Context(), grant)
		next.ServeHTTP(aw, r.WithContext(ctx))
		v.logRequest(r, aw.status, start, grant.Signer.Hex())
	})
}

func (v *Verifier) verify(r *http.Request) (Grant, error) {
	signer, err := ParseAddress(r.Header.Get(HeaderSigner))
	if err != nil {
		return Grant{}, err
	}
	rawNonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	nonce, err := strconv.ParseUint(rawNonce, 10, 64)
	if err != nil {
		return Grant{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "nonce must be an unsigned integer")
	}
	rawSig := r.Header.Get(HeaderSignature)
	if rawSig == "" {
		return Grant{}, ErrMissingSignature
	}
	sig, err := decodeSignature(rawSig)
	if err != nil {
		return Grant{}, err
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, v.maxBodyBytes+1))
		if err != nil {
			return Grant{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read request body")
		}
		if int64(len(body)) > v.maxBodyBytes {
			return Grant{}, xerrors.New(xerrors.CodeInvalidArgument, "request body too large")
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := Verify(signer, r.Method, r.URL.RequestURI(), nonce, body, sig); err != nil {
		return Grant{}, err
	}
	return Grant{Signer: signer, Nonce: nonce}, nil
}

func (v *Verifier) logRequest(r *http.Request, status int, start time.Time, signer string) {
	if r.Method == http.MethodGet {
		return
	}
	v.audit.Info("api_request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"signer", signer,
	)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(xerrors.CodeOf(err)),
		"message": message,
	})
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
