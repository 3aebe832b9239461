package http

import (
	"time"

	"rangemaster/pkg/registry"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// RegistrationView is the HTTP rendition of a RegisterServer result.
type RegistrationView struct {
	ServerID       uint64    `json:"server_id"`
	Generation     uint64    `json:"generation"`
	Address        string    `json:"address"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	LeaseMillis    int64     `json:"lease_ms"`
	Outcome        string    `json:"outcome"`
}

// Response represents the standard API response format.
type Response struct {
	Status       Status                 `json:"status,omitempty"`
	Kind         string                 `json:"kind,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Server       *registry.ServerRecord `json:"server,omitempty"`
	Registration *RegistrationView      `json:"registration,omitempty"`
}

// ServerListResponse always carries the servers key; an empty registry is [].
type ServerListResponse struct {
	Status  Status                  `json:"status"`
	Servers []registry.ServerRecord `json:"servers"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewServerResponse(rec registry.ServerRecord) Response {
	return Response{Status: StatusSuccess, Server: &rec}
}

func NewServersResponse(recs []registry.ServerRecord) ServerListResponse {
	if recs == nil {
		recs = []registry.ServerRecord{}
	}
	return ServerListResponse{Status: StatusSuccess, Servers: recs}
}

func NewRegistrationResponse(reg registry.Registration) Response {
	return Response{Status: StatusSuccess, Registration: &RegistrationView{
		ServerID:       reg.ServerID,
		Generation:     reg.Generation,
		Address:        reg.Address,
		LeaseExpiresAt: reg.LeaseExpiresAt,
		LeaseMillis:    reg.Lease.Milliseconds(),
		Outcome:        reg.Outcome.String(),
	}}
}

func NewErrorResponse(kind, err string) Response {
	return Response{Status: StatusError, Kind: kind, Error: err}
}
