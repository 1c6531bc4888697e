// Package provision performs the one-time handshake that maps a device
// identity to its assigned fleet endpoint and device id.
package provision

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hydrotel/edge-agent/internal/identity"
)

const (
	StatusAssigned = "assigned"
	StatusFailed   = "failed"
	StatusPending  = "pending"
)

var ErrProvisioningFailed = errors.New("provision: device not assigned")

type Request struct {
	ClientID      string `json:"client_id"`
	CorrelationID string `json:"correlation_id"`
	Thumbprint    string `json:"thumbprint"`
}

type Assignment struct {
	AssignedEndpoint string `json:"assigned_endpoint"`
	DeviceID         string `json:"device_id"`
	Status           string `json:"status"`
	Token            string `json:"token,omitempty"`
}

// Credential is the per-device credential derived from a successful
// assignment: the TLS identity plus the endpoint-issued token bound to
// the device id.
type Credential struct {
	DeviceID    string
	Endpoint    string
	Token       string
	TokenExpiry time.Time
	TLS         *tls.Config
}

// Requester is the single round trip against the bootstrap endpoint.
type Requester interface {
	Request(ctx context.Context, payload []byte) ([]byte, error)
}

type Agent struct {
	requester Requester
	clientID  string
	logger    *log.Logger
}

func NewAgent(r Requester, clientID string, logger *log.Logger) *Agent {
	return &Agent{requester: r, clientID: clientID, logger: logger}
}

// Register submits the device identity and returns the derived credential.
// Any assignment status other than StatusAssigned is fatal; the caller owns
// restart policy.
func (a *Agent) Register(ctx context.Context, id *identity.Identity) (*Credential, error) {
	req := Request{
		ClientID:      a.clientID,
		CorrelationID: uuid.NewString(),
		Thumbprint:    id.Thumbprint,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provision: encode request: %w", err)
	}

	a.logger.Printf("provision: registering client=%s correlation=%s", req.ClientID, req.CorrelationID)
	resp, err := a.requester.Request(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}

	var as Assignment
	if err := json.Unmarshal(resp, &as); err != nil {
		return nil, fmt.Errorf("provision: decode assignment: %w", err)
	}
	if as.Status != StatusAssigned {
		return nil, fmt.Errorf("%w: status=%q", ErrProvisioningFailed, as.Status)
	}
	if as.AssignedEndpoint == "" || as.DeviceID == "" {
		return nil, fmt.Errorf("%w: assignment missing endpoint or device id", ErrProvisioningFailed)
	}

	cred, err := deriveCredential(as, id)
	if err != nil {
		return nil, err
	}
	a.logger.Printf("provision: assigned device=%s endpoint=%s", cred.DeviceID, cred.Endpoint)
	return cred, nil
}

// deriveCredential binds the assignment token to the device id. The token
// is signed by the fleet endpoint and only decoded here; the device holds
// no verification key.
func deriveCredential(as Assignment, id *identity.Identity) (*Credential, error) {
	cred := &Credential{
		DeviceID: as.DeviceID,
		Endpoint: as.AssignedEndpoint,
		Token:    as.Token,
		TLS:      id.TLSConfig(),
	}
	if as.Token == "" {
		return cred, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(as.Token, claims); err != nil {
		return nil, fmt.Errorf("provision: decode token: %w", err)
	}
	if bound, ok := claims["device_id"].(string); ok && bound != as.DeviceID {
		return nil, fmt.Errorf("%w: token bound to device %q, assignment says %q", ErrProvisioningFailed, bound, as.DeviceID)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.TokenExpiry = exp.Time
	}
	return cred, nil
}
