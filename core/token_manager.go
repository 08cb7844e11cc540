package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/singleflight"
)

const (
	refreshFlightTimeout     = 2 * time.Minute
	refreshPollInterval      = 100 * time.Millisecond
	credentialWriteAttempts  = 5
	LastErrorRefreshFailed   = "refresh_unavailable"
	LastErrorRefreshRejected = "refresh_rejected"
	LastErrorConsentRevoked  = "consent_revoked"
)

// StatusReader serves token-free status snapshots, possibly from a cache.
type StatusReader interface {
	ReadStatus(ctx context.Context, key CredentialKey) (StatusView, error)
}

type AuthorizeURLResult struct {
	AuthorizeURL string    `json:"authorize_url"`
	State        string    `json:"state"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type ExchangeRequest struct {
	BusinessProfileID string
	Provider          ProviderID
	Code              string
	State             string
	Params            map[string]string
}

type ExchangeResult struct {
	Status     CredentialStatus `json:"status"`
	TenantID   string           `json:"tenant_id,omitempty"`
	TenantName string           `json:"tenant_name,omitempty"`
}

type DisconnectResult struct {
	Status      CredentialStatus `json:"status"`
	RevokeError string           `json:"revoke_error,omitempty"`
}

// AccessToken is handed to the sync pipeline only.
type AccessToken struct {
	Token     string
	TokenType string
	TenantID  string
	ExpiresAt *time.Time
}

// TokenManager owns the credential lifecycle for every
// (business profile, provider) pair.
type TokenManager struct {
	config         Config
	logger         Logger
	loggerProvider LoggerProvider
	observer       Observer
	registry       Registry
	credentials    CredentialStore
	states         AuthorizeStateStore
	statusReader   StatusReader
	scheduler      BackoffScheduler
	now            Clock
	flights        singleflight.Group
}

func NewTokenManager(cfg Config, opts ...Option) (*TokenManager, error) {
	builder := defaultTokenManagerBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("ledgersync.tokens", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("ledgersync.tokens"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	finalConfig, err := ResolveConfig(context.Background(), builder.configProvider, builder.optionsResolver, builder.runtimeConfig)
	if err != nil {
		return nil, MapError(err)
	}
	finalConfig = finalConfig.withFallbacks()

	if builder.registry == nil {
		registry, _ := NewProviderRegistry()
		builder.registry = registry
	}
	if builder.credentialStore == nil {
		builder.credentialStore = NewMemoryCredentialStore()
	}
	if builder.stateStore == nil {
		builder.stateStore = NewMemoryAuthorizeStateStore(finalConfig.AuthorizeStateTTL)
	}
	if builder.refreshScheduler == nil {
		builder.refreshScheduler = ExponentialBackoffScheduler{
			Initial: finalConfig.RefreshInitialBackoff,
			Max:     finalConfig.RefreshMaxBackoff,
		}
	}
	if builder.clock == nil {
		builder.clock = systemClock
	}
	statusReader, _ := builder.credentialStore.(StatusReader)

	return &TokenManager{
		config:         finalConfig,
		logger:         logger,
		loggerProvider: provider,
		observer: Observer{
			Logger:  logger,
			Metrics: builder.metricsRecorder,
			Prefix:  "ledgersync.tokens",
		},
		registry:     builder.registry,
		credentials:  builder.credentialStore,
		states:       builder.stateStore,
		statusReader: statusReader,
		scheduler:    builder.refreshScheduler,
		now:          builder.clock,
	}, nil
}

func (m *TokenManager) Config() Config {
	return m.config
}

func (m *TokenManager) Registry() Registry {
	return m.registry
}

func (m *TokenManager) BuildAuthorizeURL(ctx context.Context, bp string, provider ProviderID) (result AuthorizeURLResult, err error) {
	startedAt := time.Now()
	fields := pairFields(bp, provider)
	defer func() {
		m.observer.ObserveOperation(ctx, startedAt, "build_authorize_url", err, fields)
	}()

	key, adapter, err := m.resolvePair(bp, provider)
	if err != nil {
		return AuthorizeURLResult{}, err
	}
	nonce, err := generateAuthorizeNonce()
	if err != nil {
		return AuthorizeURLResult{}, NewProviderConfigError("could not generate authorize state", err)
	}

	now := m.now()
	redirectURI := m.config.RedirectURI(key.Provider)
	authorizeURL, err := adapter.BuildAuthorizeURL(ctx, AuthorizeURLRequest{
		State:       nonce,
		RedirectURI: redirectURI,
		Scopes:      m.config.Provider(key.Provider).Scopes,
	})
	if err != nil {
		return AuthorizeURLResult{}, err
	}

	state := AuthorizeState{
		Nonce:             nonce,
		BusinessProfileID: key.BusinessProfileID,
		Provider:          key.Provider,
		RedirectURI:       redirectURI,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.config.AuthorizeStateTTL),
	}
	if err := m.states.Save(ctx, state); err != nil {
		return AuthorizeURLResult{}, NewPersistenceError("could not save authorize state", err)
	}

	_, err = m.mutateCredential(ctx, key, func(cred *Credential, exists bool) (bool, error) {
		if exists && (cred.Status == CredentialStatusConnected || cred.Status == CredentialStatusRefreshing) {
			return false, nil
		}
		cred.Generation++
		return true, cred.TransitionTo(CredentialStatusAuthorizePending, "", now)
	})
	if err != nil {
		return AuthorizeURLResult{}, err
	}

	return AuthorizeURLResult{AuthorizeURL: authorizeURL, State: nonce, ExpiresAt: state.ExpiresAt}, nil
}

func (m *TokenManager) Exchange(ctx context.Context, req ExchangeRequest) (result ExchangeResult, err error) {
	startedAt := time.Now()
	fields := pairFields(req.BusinessProfileID, req.Provider)
	defer func() {
		m.observer.ObserveOperation(ctx, startedAt, "exchange", err, fields)
	}()

	key, adapter, err := m.resolvePair(req.BusinessProfileID, req.Provider)
	if err != nil {
		return ExchangeResult{}, err
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return ExchangeResult{}, NewBadInputError("code is required")
	}

	state, err := m.states.Consume(ctx, req.State)
	if err != nil {
		if errors.Is(err, ErrAuthorizeStateNotFound) ||
			errors.Is(err, ErrAuthorizeStateExpired) ||
			errors.Is(err, ErrAuthorizeStateConsumed) {
			return ExchangeResult{}, NewAuthError("authorization state is invalid", err)
		}
		return ExchangeResult{}, NewPersistenceError("could not consume authorize state", err)
	}
	if state.Provider != key.Provider || state.BusinessProfileID != key.BusinessProfileID {
		return ExchangeResult{}, NewAuthError("authorization state does not match the request", nil)
	}

	var grant TokenGrant
	for attempt := 1; ; attempt++ {
		grant, err = adapter.ExchangeCode(ctx, ExchangeCodeRequest{
			Code:        code,
			RedirectURI: state.RedirectURI,
			Params:      req.Params,
		})
		if err == nil {
			break
		}
		if !IsTransient(err) || attempt >= m.config.RefreshMaxAttempts {
			return ExchangeResult{}, classifyProviderError(err, "code exchange failed")
		}
		delay, ok := BoundedRetryDelay(m.scheduler, attempt, err, m.config.RefreshMaxBackoff)
		if !ok {
			return ExchangeResult{}, classifyProviderError(err, "code exchange failed")
		}
		if waitErr := WaitWithContext(ctx, delay); waitErr != nil {
			return ExchangeResult{}, waitErr
		}
	}

	if strings.TrimSpace(grant.AccessToken) == "" {
		return ExchangeResult{}, NewAuthError("provider returned no access token", nil)
	}
	if adapter.Capabilities().RequiresTenantSelection && (grant.Tenant == nil || strings.TrimSpace(grant.Tenant.ID) == "") {
		return ExchangeResult{}, NewAuthError("provider returned no tenant for this authorization", nil)
	}

	now := m.now()
	stored, err := m.mutateCredential(ctx, key, func(cred *Credential, _ bool) (bool, error) {
		if cred.Status != CredentialStatusAuthorizePending && !credentialTransitionAllowed(cred.Status, CredentialStatusConnected) {
			if err := cred.TransitionTo(CredentialStatusAuthorizePending, "", now); err != nil {
				return false, err
			}
		}
		applyGrant(cred, grant, "")
		if grant.Tenant != nil {
			cred.ExternalTenantID = strings.TrimSpace(grant.Tenant.ID)
			cred.ExternalTenantName = strings.TrimSpace(grant.Tenant.Name)
		}
		cred.Metadata = copyAnyMap(cred.Metadata)
		for k, v := range grant.Metadata {
			cred.Metadata[k] = v
		}
		cred.ConnectedAt = timePointer(now)
		cred.Generation++
		return true, cred.TransitionTo(CredentialStatusConnected, "", now)
	})
	if err != nil {
		return ExchangeResult{}, err
	}

	return ExchangeResult{
		Status:     stored.Status,
		TenantID:   stored.ExternalTenantID,
		TenantName: stored.ExternalTenantName,
	}, nil
}

func (m *TokenManager) GetStatus(ctx context.Context, bp string, provider ProviderID) (StatusView, error) {
	key := CredentialKey{BusinessProfileID: strings.TrimSpace(bp), Provider: provider}
	if err := key.Validate(); err != nil {
		return StatusView{}, err
	}
	if m.statusReader != nil {
		view, err := m.statusReader.ReadStatus(ctx, key)
		if err != nil {
			return StatusView{}, NewPersistenceError("could not read credential status", err)
		}
		return view, nil
	}
	cred, err := m.credentials.Get(ctx, key)
	if errors.Is(err, ErrCredentialNotFound) {
		return StatusView{Provider: key.Provider, Status: CredentialStatusDisconnected}, nil
	}
	if err != nil {
		return StatusView{}, NewPersistenceError("could not read credential status", err)
	}
	return StatusViewFromCredential(cred), nil
}

func (m *TokenManager) Disconnect(ctx context.Context, bp string, provider ProviderID) (result DisconnectResult, err error) {
	startedAt := time.Now()
	fields := pairFields(bp, provider)
	defer func() {
		m.observer.ObserveOperation(ctx, startedAt, "disconnect", err, fields)
	}()

	key, adapter, err := m.resolvePair(bp, provider)
	if err != nil {
		return DisconnectResult{}, err
	}
	current, err := m.credentials.Get(ctx, key)
	if errors.Is(err, ErrCredentialNotFound) {
		return DisconnectResult{Status: CredentialStatusDisconnected}, nil
	}
	if err != nil {
		return DisconnectResult{}, NewPersistenceError("could not load credential", err)
	}

	result = DisconnectResult{Status: CredentialStatusDisconnected}
	if current.AccessToken != "" || current.RefreshToken != "" {
		revokeCtx, cancel := context.WithTimeout(ctx, m.config.RevokeTimeout)
		revokeErr := adapter.Revoke(revokeCtx, RevokeRequest{
			AccessToken:  current.AccessToken,
			RefreshToken: current.RefreshToken,
		})
		cancel()
		if revokeErr != nil {
			result.RevokeError = revokeErrorLabel(revokeErr)
			m.observer.LogWarn(ctx, "token revoke failed", map[string]any{
				"provider":            string(key.Provider),
				"business_profile_id": key.BusinessProfileID,
				"error":               revokeErr.Error(),
			})
		}
	}

	now := m.now()
	_, err = m.mutateCredential(ctx, key, func(cred *Credential, exists bool) (bool, error) {
		if !exists {
			return false, nil
		}
		cred.EraseTokens()
		cred.ConnectedAt = nil
		cred.Generation++
		return true, cred.TransitionTo(CredentialStatusDisconnected, "", now)
	})
	if err != nil {
		return DisconnectResult{}, err
	}
	return result, nil
}

// GetValidAccessToken returns a token good for at least the refresh margin,
// refreshing it once per pair no matter how many callers are waiting.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, bp string, provider ProviderID) (AccessToken, error) {
	return m.accessToken(ctx, bp, provider, "")
}

// RefreshAccessToken is called after the provider rejected token. It returns
// a newer token if another caller already replaced it, and refreshes
// otherwise.
func (m *TokenManager) RefreshAccessToken(ctx context.Context, bp string, provider ProviderID, rejected string) (AccessToken, error) {
	if strings.TrimSpace(rejected) == "" {
		return AccessToken{}, NewBadInputError("rejected access token is required")
	}
	return m.accessToken(ctx, bp, provider, rejected)
}

func (m *TokenManager) accessToken(ctx context.Context, bp string, provider ProviderID, rejected string) (AccessToken, error) {
	key, adapter, err := m.resolvePair(bp, provider)
	if err != nil {
		return AccessToken{}, err
	}
	cred, err := m.loadUsableCredential(ctx, key)
	if err != nil {
		return AccessToken{}, err
	}
	if cred.Status == CredentialStatusConnected && m.usable(cred, rejected) {
		return accessTokenFrom(cred), nil
	}

	flightKey := key.String()
	if rejected != "" {
		flightKey += "|rejected"
	}
	ch := m.flights.DoChan(flightKey, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshFlightTimeout)
		defer cancel()
		return m.refresh(flightCtx, key, adapter, rejected)
	})
	select {
	case <-ctx.Done():
		return AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	}
}

// ReportAuthFailure records that the provider rejected a token in use.
func (m *TokenManager) ReportAuthFailure(ctx context.Context, bp string, provider ProviderID, cause error) error {
	key := CredentialKey{BusinessProfileID: strings.TrimSpace(bp), Provider: provider}
	if err := key.Validate(); err != nil {
		return err
	}
	reason := LastErrorConsentRevoked
	if cause != nil {
		reason = LastErrorConsentRevoked + ": " + cause.Error()
	}
	cred, err := m.credentials.Get(ctx, key)
	if errors.Is(err, ErrCredentialNotFound) {
		return nil
	}
	if err != nil {
		return NewPersistenceError("could not load credential", err)
	}
	if cred.Status != CredentialStatusConnected && cred.Status != CredentialStatusRefreshing {
		return nil
	}
	if err := cred.TransitionTo(CredentialStatusError, reason, m.now()); err != nil {
		return nil
	}
	if _, err := m.credentials.UpdateIfGeneration(ctx, cred, cred.Generation); err != nil {
		if errors.Is(err, ErrStaleGeneration) {
			return nil
		}
		return NewPersistenceError("could not record auth failure", err)
	}
	m.observer.LogWarn(ctx, "credential marked as error", map[string]any{
		"provider":            string(key.Provider),
		"business_profile_id": key.BusinessProfileID,
		"reason":              reason,
	})
	return nil
}

func (m *TokenManager) refresh(ctx context.Context, key CredentialKey, adapter Provider, rejected string) (token AccessToken, err error) {
	startedAt := time.Now()
	fields := pairFields(key.BusinessProfileID, key.Provider)
	defer func() {
		m.observer.ObserveOperation(ctx, startedAt, "refresh", err, fields)
	}()

	cred, claimed, err := m.claimRefresh(ctx, key, rejected)
	if err != nil {
		return AccessToken{}, err
	}
	if !claimed {
		fields["claimed"] = false
		return accessTokenFrom(cred), nil
	}

	var grant TokenGrant
	var lastErr error
	for attempt := 1; attempt <= m.config.RefreshMaxAttempts; attempt++ {
		grant, lastErr = adapter.RefreshToken(ctx, cred.RefreshToken)
		if lastErr == nil {
			break
		}
		fields["attempt"] = attempt
		if !IsTransient(lastErr) {
			break
		}
		if attempt == m.config.RefreshMaxAttempts {
			break
		}
		delay, ok := BoundedRetryDelay(m.scheduler, attempt, lastErr, m.config.RefreshMaxBackoff)
		if !ok {
			break
		}
		if waitErr := WaitWithContext(ctx, delay); waitErr != nil {
			lastErr = waitErr
			break
		}
	}

	if lastErr != nil {
		return m.refreshFailed(ctx, cred, lastErr, rejected)
	}

	now := m.now()
	applyGrant(&cred, grant, cred.RefreshToken)
	if err := cred.TransitionTo(CredentialStatusConnected, "", now); err != nil {
		return AccessToken{}, NewTokenExpiredError("credential cannot be reconnected", err)
	}
	stored, err := m.credentials.UpdateIfGeneration(ctx, cred, cred.Generation)
	if errors.Is(err, ErrStaleGeneration) {
		return AccessToken{}, NewTokenExpiredError("credential was disconnected during refresh", err)
	}
	if err != nil {
		return AccessToken{}, NewPersistenceError("could not persist refreshed credential", err)
	}
	fields["rotated"] = grant.Rotated
	return accessTokenFrom(stored), nil
}

// claimRefresh returns either a usable connected credential or one whose
// refreshing claim this caller now holds. The claim bumps the generation, so
// of two instances racing on the same credential only one calls upstream;
// the other re-reads and waits for the outcome.
func (m *TokenManager) claimRefresh(ctx context.Context, key CredentialKey, rejected string) (Credential, bool, error) {
	for {
		cred, err := m.loadUsableCredential(ctx, key)
		if err != nil {
			return Credential{}, false, err
		}
		if cred.Status == CredentialStatusConnected && m.usable(cred, rejected) {
			return cred, false, nil
		}
		if cred.Status == CredentialStatusRefreshing && m.now().Sub(cred.UpdatedAt) < refreshFlightTimeout {
			if err := WaitWithContext(ctx, refreshPollInterval); err != nil {
				return Credential{}, false, NewUpstreamUnavailableError("token refresh is still running elsewhere", err)
			}
			continue
		}
		if strings.TrimSpace(cred.RefreshToken) == "" {
			m.finishRefresh(ctx, cred, CredentialStatusExpired, LastErrorRefreshRejected+": no refresh token")
			return Credential{}, false, NewTokenExpiredError("credential has no refresh token", nil)
		}

		previous := cred.Generation
		if err := cred.TransitionTo(CredentialStatusRefreshing, cred.LastError, m.now()); err != nil {
			return Credential{}, false, NewTokenExpiredError("credential cannot be refreshed", err)
		}
		cred.Generation = previous + 1
		stored, err := m.credentials.UpdateIfGeneration(ctx, cred, previous)
		if errors.Is(err, ErrStaleGeneration) {
			continue
		}
		if err != nil {
			return Credential{}, false, NewPersistenceError("could not mark credential refreshing", err)
		}
		return stored, true, nil
	}
}

func (m *TokenManager) refreshFailed(ctx context.Context, cred Credential, cause error, rejected string) (AccessToken, error) {
	if errors.Is(cause, context.Canceled) {
		m.finishRefresh(ctx, cred, CredentialStatusConnected, cred.LastError)
		return AccessToken{}, cause
	}
	if errors.Is(cause, context.DeadlineExceeded) && KindOf(cause) == KindUnknown {
		cause = NewUpstreamUnavailableError("token refresh timed out", cause)
	}
	if IsTransient(cause) {
		now := m.now()
		if cred.AccessToken != "" && cred.AccessTokenExpiresAt != nil && now.Before(*cred.AccessTokenExpiresAt) {
			m.finishRefresh(ctx, cred, CredentialStatusConnected, LastErrorRefreshFailed)
			if cred.AccessToken == rejected {
				return AccessToken{}, NewUpstreamUnavailableError("token refresh is unavailable", cause)
			}
			return accessTokenFrom(cred), nil
		}
		m.finishRefresh(ctx, cred, CredentialStatusExpired, LastErrorRefreshFailed)
		return AccessToken{}, NewTokenExpiredError("token refresh is unavailable and the access token expired", cause)
	}
	m.finishRefresh(ctx, cred, CredentialStatusExpired, LastErrorRefreshRejected+": "+cause.Error())
	return AccessToken{}, NewTokenExpiredError("provider rejected the refresh token", cause)
}

// finishRefresh records the refresh outcome unless the credential moved on.
func (m *TokenManager) finishRefresh(ctx context.Context, cred Credential, status CredentialStatus, reason string) {
	writeCtx := context.WithoutCancel(ctx)
	if err := cred.TransitionTo(status, reason, m.now()); err != nil {
		return
	}
	if _, err := m.credentials.UpdateIfGeneration(writeCtx, cred, cred.Generation); err != nil && !errors.Is(err, ErrStaleGeneration) {
		m.observer.LogError(ctx, "could not record refresh outcome", map[string]any{
			"provider":            string(cred.Provider),
			"business_profile_id": cred.BusinessProfileID,
			"error":               err.Error(),
		})
	}
}

func (m *TokenManager) loadUsableCredential(ctx context.Context, key CredentialKey) (Credential, error) {
	cred, err := m.credentials.Get(ctx, key)
	if errors.Is(err, ErrCredentialNotFound) {
		return Credential{}, NewTokenExpiredError("credential is not connected", err)
	}
	if err != nil {
		return Credential{}, NewPersistenceError("could not load credential", err)
	}
	switch cred.Status {
	case CredentialStatusConnected, CredentialStatusRefreshing:
		return cred, nil
	default:
		return Credential{}, NewTokenExpiredError(
			fmt.Sprintf("credential is %s", cred.Status), nil,
		).WithMetadata(map[string]any{"status": string(cred.Status)})
	}
}

// usable reports whether cred can be handed out as is. A token the provider
// just rejected never is.
func (m *TokenManager) usable(cred Credential, rejected string) bool {
	if rejected != "" && cred.AccessToken == rejected {
		return false
	}
	return m.fresh(cred)
}

func (m *TokenManager) fresh(cred Credential) bool {
	if strings.TrimSpace(cred.AccessToken) == "" {
		return false
	}
	if cred.AccessTokenExpiresAt == nil {
		return true
	}
	return m.now().Add(m.config.RefreshMargin).Before(*cred.AccessTokenExpiresAt)
}

func (m *TokenManager) resolvePair(bp string, provider ProviderID) (CredentialKey, Provider, error) {
	id, err := ParseProviderID(string(provider))
	if err != nil {
		return CredentialKey{}, nil, err
	}
	key := CredentialKey{BusinessProfileID: strings.TrimSpace(bp), Provider: id}
	if err := key.Validate(); err != nil {
		return CredentialKey{}, nil, err
	}
	adapter, ok := m.registry.Get(id)
	if !ok {
		return CredentialKey{}, nil, NewProviderNotFoundError(string(id))
	}
	if configured, ok := adapter.(ConfiguredProvider); ok {
		if err := configured.ValidateConfig(); err != nil {
			return CredentialKey{}, nil, NewProviderConfigError(fmt.Sprintf("provider %s is not configured", id), err)
		}
	}
	return key, adapter, nil
}

// mutateCredential applies fn under the generation guard, retrying when a
// concurrent writer got there first.
func (m *TokenManager) mutateCredential(
	ctx context.Context,
	key CredentialKey,
	fn func(cred *Credential, exists bool) (bool, error),
) (Credential, error) {
	var lastErr error
	for attempt := 0; attempt < credentialWriteAttempts; attempt++ {
		cred, err := m.credentials.Get(ctx, key)
		exists := true
		if errors.Is(err, ErrCredentialNotFound) {
			exists = false
			cred = Credential{
				BusinessProfileID: key.BusinessProfileID,
				Provider:          key.Provider,
				Status:            CredentialStatusDisconnected,
			}
		} else if err != nil {
			return Credential{}, NewPersistenceError("could not load credential", err)
		}
		expected := cred.Generation
		write, err := fn(&cred, exists)
		if err != nil {
			return Credential{}, NewPersistenceError("credential update rejected", err)
		}
		if !write {
			return cred, nil
		}
		stored, err := m.credentials.UpdateIfGeneration(ctx, cred, expected)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrStaleGeneration) {
			return Credential{}, NewPersistenceError("could not persist credential", err)
		}
		lastErr = err
	}
	return Credential{}, NewConcurrencyConflictError("credential kept changing during update", lastErr)
}

func applyGrant(cred *Credential, grant TokenGrant, previousRefresh string) {
	cred.AccessToken = strings.TrimSpace(grant.AccessToken)
	if refresh := strings.TrimSpace(grant.RefreshToken); refresh != "" {
		cred.RefreshToken = refresh
	} else {
		cred.RefreshToken = previousRefresh
	}
	cred.TokenType = strings.TrimSpace(grant.TokenType)
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	cred.AccessTokenExpiresAt = cloneTimePointer(grant.ExpiresAt)
	if grant.RefreshTokenExpiresAt != nil {
		cred.RefreshTokenExpiresAt = cloneTimePointer(grant.RefreshTokenExpiresAt)
	}
	if len(grant.Scopes) > 0 {
		cred.Scopes = append([]string(nil), grant.Scopes...)
	}
}

func accessTokenFrom(cred Credential) AccessToken {
	return AccessToken{
		Token:     cred.AccessToken,
		TokenType: cred.TokenType,
		TenantID:  cred.ExternalTenantID,
		ExpiresAt: cloneTimePointer(cred.AccessTokenExpiresAt),
	}
}

func classifyProviderError(err error, message string) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewUpstreamUnavailableError(message, err)
	}
	return NewAuthError(message, err)
}

func revokeErrorLabel(err error) string {
	if kind := KindOf(err); kind != KindUnknown {
		return string(kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(KindUpstreamUnavailable)
	}
	return "revoke_failed"
}

func pairFields(bp string, provider ProviderID) map[string]any {
	return map[string]any{
		"business_profile_id": strings.TrimSpace(bp),
		"provider":            string(provider),
	}
}
