package openid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/library/internal/associations"
	"github.com/MarcoPoloResearchLab/library/internal/clock"
	"github.com/MarcoPoloResearchLab/library/internal/nonces"
	"github.com/MarcoPoloResearchLab/library/internal/session"
	"go.uber.org/zap"
)

// Namespace identifies OpenID 2.0 protocol messages.
const Namespace = "http://specs.openid.net/auth/2.0"

const (
	nonceTimeLayout     = "2006-01-02T15:04:05Z"
	maxDirectResponse   = 64 << 10
	noEncryptionSession = "no-encryption"
)

// ErrMissingDiscovery indicates a positive assertion arrived for a session
// that never started a sign-in.
var ErrMissingDiscovery = fmt.Errorf("%w: no pending discovery", ErrMalformedAssertion)

var (
	errMissingAssociations = errors.New("openid: association store required")
	errMissingNonces       = errors.New("openid: nonce store required")
	errMissingDiscoverer   = errors.New("openid: discoverer required")
)

// EndpointDiscoverer resolves a user-supplied identifier.
type EndpointDiscoverer interface {
	Discover(ctx context.Context, identifier string) (Endpoint, error)
}

// AssociationStore persists provider shared secrets.
type AssociationStore interface {
	Save(ctx context.Context, serverURL string, association associations.Association) error
	FetchBest(ctx context.Context, serverURL, handle string) (associations.Association, bool, error)
	Remove(ctx context.Context, serverURL, handle string) (bool, error)
}

// ConsumerConfig wires the relying-party handshake.
type ConsumerConfig struct {
	Associations AssociationStore
	Nonces       nonces.Store
	Discoverer   EndpointDiscoverer
	HTTPClient   *http.Client
	Policy       clock.SkewPolicy
	Recorder     Recorder
	Logger       *zap.Logger
}

// Consumer runs both halves of the handshake: Begin sends the browser to the
// provider and Complete verifies what comes back.
type Consumer struct {
	associations AssociationStore
	nonces       nonces.Store
	discoverer   EndpointDiscoverer
	client       *http.Client
	policy       clock.SkewPolicy
	recorder     Recorder
	logger       *zap.Logger
}

// NewConsumer validates the configuration and builds a consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Associations == nil {
		return nil, errMissingAssociations
	}
	if cfg.Nonces == nil {
		return nil, errMissingNonces
	}
	if cfg.Discoverer == nil {
		return nil, errMissingDiscoverer
	}
	if cfg.HTTPClient == nil {
		return nil, errMissingHTTPClient
	}
	consumer := &Consumer{
		associations: cfg.Associations,
		nonces:       cfg.Nonces,
		discoverer:   cfg.Discoverer,
		client:       cfg.HTTPClient,
		policy:       cfg.Policy,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger,
	}
	if consumer.recorder == nil {
		consumer.recorder = nopRecorder{}
	}
	if consumer.logger == nil {
		consumer.logger = zap.NewNop()
	}
	return consumer, nil
}

// Begin discovers the identifier, makes sure an association exists when the
// provider grants one, records the pending endpoint in the session and
// returns the provider URL to redirect the browser to.
func (c *Consumer) Begin(ctx context.Context, identifier, realm, returnTo string, s *session.Session) (string, error) {
	endpoint, err := c.discoverer.Discover(ctx, identifier)
	if err != nil {
		return "", err
	}
	association, ok, err := c.association(ctx, endpoint.ServerURL)
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(endpoint)
	if err != nil {
		return "", fmt.Errorf("openid: encode pending endpoint: %w", err)
	}
	s.Set(session.PendingEndpointKey, string(encoded))

	target, err := url.Parse(endpoint.ServerURL)
	if err != nil {
		return "", fmt.Errorf("openid: invalid provider endpoint: %w", err)
	}
	args := target.Query()
	args.Set("openid.ns", Namespace)
	args.Set("openid.mode", "checkid_setup")
	args.Set("openid.claimed_id", endpoint.ClaimedID)
	args.Set("openid.identity", endpoint.Identity())
	args.Set("openid.return_to", returnTo)
	args.Set("openid.realm", realm)
	if ok {
		args.Set("openid.assoc_handle", association.Handle)
	}
	addRegistrationRequest(args)
	target.RawQuery = args.Encode()
	return target.String(), nil
}

// association returns a live association for the provider, negotiating a new
// one when none is stored. Negotiation failures fall back to stateless mode.
func (c *Consumer) association(ctx context.Context, serverURL string) (associations.Association, bool, error) {
	existing, found, err := c.associations.FetchBest(ctx, serverURL, "")
	if err != nil {
		return associations.Association{}, false, err
	}
	if found {
		return existing, true, nil
	}
	negotiated, err := c.associate(ctx, serverURL)
	if err != nil {
		c.logger.Warn("association negotiation failed", zap.String("server_url", serverURL), zap.Error(err))
		return associations.Association{}, false, nil
	}
	if err := c.associations.Save(ctx, serverURL, negotiated); err != nil {
		return associations.Association{}, false, err
	}
	return negotiated, true, nil
}

func (c *Consumer) associate(ctx context.Context, serverURL string) (associations.Association, error) {
	form := url.Values{}
	form.Set("openid.ns", Namespace)
	form.Set("openid.mode", "associate")
	form.Set("openid.assoc_type", AssocTypeHMACSHA256)
	form.Set("openid.session_type", noEncryptionSession)

	reply, err := c.directRequest(ctx, serverURL, form)
	if err != nil {
		return associations.Association{}, err
	}
	if code := reply["error_code"]; code != "" {
		return associations.Association{}, fmt.Errorf("openid: provider refused association: %s (%s)", reply["error"], code)
	}
	if reply["assoc_type"] != AssocTypeHMACSHA256 || reply["session_type"] != noEncryptionSession {
		return associations.Association{}, fmt.Errorf("openid: unexpected association type %q/%q", reply["assoc_type"], reply["session_type"])
	}
	handle := reply["assoc_handle"]
	if handle == "" {
		return associations.Association{}, errors.New("openid: association without handle")
	}
	secret, err := base64.StdEncoding.DecodeString(reply["mac_key"])
	if err != nil || len(secret) != 32 {
		return associations.Association{}, errors.New("openid: invalid association secret")
	}
	lifetime, err := strconv.ParseInt(reply["expires_in"], 10, 64)
	if err != nil || lifetime <= 0 {
		return associations.Association{}, fmt.Errorf("openid: invalid association lifetime %q", reply["expires_in"])
	}
	return associations.NewAssociation(handle, secret, c.policy.Now(), time.Duration(lifetime)*time.Second, AssocTypeHMACSHA256), nil
}

// directRequest posts a form to the provider and decodes the key-value reply.
// Providers answer protocol errors with HTTP 400 and a key-value body.
func (c *Consumer) directRequest(ctx context.Context, serverURL string, form url.Values) (map[string]string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, err := c.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusBadRequest {
		return nil, fmt.Errorf("openid: provider returned HTTP %d", response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxDirectResponse))
	if err != nil {
		return nil, err
	}
	return parseKeyValueForm(body)
}

// Complete verifies the provider redirect. currentURL is the absolute URL the
// browser was sent to, query its parameters. The pending endpoint is cleared
// from the session whatever the outcome.
func (c *Consumer) Complete(ctx context.Context, query url.Values, currentURL string, s *session.Session) (Response, error) {
	rawEndpoint, hasEndpoint := s.Get(session.PendingEndpointKey)
	s.Delete(session.PendingEndpointKey)

	switch mode := query.Get("openid.mode"); mode {
	case "cancel":
		return Cancelled{}, nil
	case "error":
		message := query.Get("openid.error")
		if message == "" {
			message = "The provider reported an error."
		}
		return Failed{Message: message}, nil
	case "setup_needed":
		return Failed{Message: "The provider needs more information before signing you in."}, nil
	case "id_res":
		if !hasEndpoint {
			return nil, ErrMissingDiscovery
		}
		var endpoint Endpoint
		if err := json.Unmarshal([]byte(rawEndpoint), &endpoint); err != nil {
			return nil, fmt.Errorf("%w: unreadable pending endpoint", ErrMalformedAssertion)
		}
		return c.verify(ctx, endpoint, query, currentURL)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrMalformedAssertion, mode)
	}
}

func (c *Consumer) verify(ctx context.Context, endpoint Endpoint, query url.Values, currentURL string) (Response, error) {
	if query.Get("openid.ns") != Namespace {
		return c.reject("Unsupported OpenID protocol version."), nil
	}
	if reason := checkRequiredFields(query); reason != "" {
		return c.reject(reason), nil
	}
	if !returnToMatches(query.Get("openid.return_to"), currentURL) {
		return c.reject("The return_to URL does not match this request."), nil
	}
	if query.Get("openid.op_endpoint") != endpoint.ServerURL {
		return c.reject("The assertion came from an unexpected provider endpoint."), nil
	}
	claimedID := stripFragment(query.Get("openid.claimed_id"))
	if claimedID != endpoint.ClaimedID || query.Get("openid.identity") != endpoint.Identity() {
		return c.reject("The asserted identity does not match the one requested."), nil
	}

	valid, err := c.checkSignature(ctx, endpoint.ServerURL, query)
	if err != nil {
		return nil, err
	}
	if !valid {
		return c.reject("The assertion signature is invalid."), nil
	}

	timestamp, salt, err := splitNonce(query.Get("openid.response_nonce"))
	if err != nil {
		return c.reject("The response nonce is malformed."), nil
	}
	accepted, err := c.nonces.Consume(ctx, endpoint.ServerURL, timestamp, salt)
	if err != nil {
		return nil, err
	}
	c.recorder.RecordNonce(accepted)
	if !accepted {
		return c.reject("The response nonce was already used or is too old."), nil
	}

	return Succeeded{IdentityURL: claimedID, Profile: registrationProfile(query)}, nil
}

func (c *Consumer) reject(message string) Failed {
	c.logger.Info("openid assertion rejected", zap.String("reason", message))
	return Failed{Message: message}
}

// checkSignature verifies with the stored association, or asks the provider
// directly when the handle is unknown or expired.
func (c *Consumer) checkSignature(ctx context.Context, serverURL string, query url.Values) (bool, error) {
	handle := query.Get("openid.assoc_handle")
	association, found, err := c.associations.FetchBest(ctx, serverURL, handle)
	if err != nil {
		return false, err
	}
	if found {
		valid, err := verifySignature(association, query)
		if err != nil {
			c.logger.Warn("stored association unusable", zap.String("server_url", serverURL), zap.Error(err))
			return false, nil
		}
		return valid, nil
	}
	return c.checkAuthentication(ctx, serverURL, query)
}

func (c *Consumer) checkAuthentication(ctx context.Context, serverURL string, query url.Values) (bool, error) {
	form := url.Values{}
	for key, values := range query {
		if strings.HasPrefix(key, "openid.") {
			form[key] = values
		}
	}
	form.Set("openid.mode", "check_authentication")
	reply, err := c.directRequest(ctx, serverURL, form)
	if err != nil {
		c.logger.Warn("check_authentication failed", zap.String("server_url", serverURL), zap.Error(err))
		return false, nil
	}
	if invalidated := reply["invalidate_handle"]; invalidated != "" {
		if _, err := c.associations.Remove(ctx, serverURL, invalidated); err != nil {
			return false, err
		}
	}
	return reply["is_valid"] == "true", nil
}

func checkRequiredFields(query url.Values) string {
	for _, field := range []string{"return_to", "op_endpoint", "response_nonce", "assoc_handle", "sig", "signed", "claimed_id", "identity"} {
		if query.Get("openid."+field) == "" {
			return "The assertion is missing openid." + field + "."
		}
	}
	signed := make(map[string]struct{})
	for _, field := range signedFields(query) {
		signed[field] = struct{}{}
	}
	for _, field := range []string{"return_to", "op_endpoint", "response_nonce", "assoc_handle", "claimed_id", "identity"} {
		if _, ok := signed[field]; !ok {
			return "The assertion does not sign openid." + field + "."
		}
	}
	return ""
}

// returnToMatches requires the same scheme, host and path and every query
// parameter of returnTo to appear unchanged in the current URL.
func returnToMatches(returnTo, currentURL string) bool {
	expected, err := url.Parse(returnTo)
	if err != nil {
		return false
	}
	actual, err := url.Parse(currentURL)
	if err != nil {
		return false
	}
	if !strings.EqualFold(expected.Scheme, actual.Scheme) || !strings.EqualFold(expected.Host, actual.Host) || expected.Path != actual.Path {
		return false
	}
	actualQuery := actual.Query()
	for key, values := range expected.Query() {
		got := actualQuery[key]
		if len(got) != len(values) {
			return false
		}
		for index := range values {
			if got[index] != values[index] {
				return false
			}
		}
	}
	return true
}

func stripFragment(identifier string) string {
	if index := strings.IndexByte(identifier, '#'); index >= 0 {
		return identifier[:index]
	}
	return identifier
}

// splitNonce separates the UTC timestamp prefix of a response nonce from its
// salt.
func splitNonce(nonce string) (int64, string, error) {
	if len(nonce) < len(nonceTimeLayout) {
		return 0, "", errors.New("openid: nonce too short")
	}
	issued, err := time.Parse(nonceTimeLayout, nonce[:len(nonceTimeLayout)])
	if err != nil {
		return 0, "", err
	}
	return issued.Unix(), nonce[len(nonceTimeLayout):], nil
}
