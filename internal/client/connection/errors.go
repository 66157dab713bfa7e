package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindOffline
	KindBadAuthentication
	KindExpiredOrganization
	KindRevokedUser
)

func (k ErrorKind) String() string {
	switch k {
	case KindOffline:
		return "offline"
	case KindBadAuthentication:
		return "bad authentication"
	case KindExpiredOrganization:
		return "expired organization"
	case KindRevokedUser:
		return "revoked user"
	default:
		return "internal"
	}
}

// Error is returned by Cmds implementations when a command did not reach
// the server or was not processed.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "connection: " + e.Kind.String()
	}
	return fmt.Sprintf("connection: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, common.ErrOffline) match offline errors.
func (e *Error) Is(target error) bool {
	switch target {
	case common.ErrOffline:
		return e.Kind == KindOffline
	case common.ErrNotAllowed:
		return e.Kind == KindRevokedUser || e.Kind == KindExpiredOrganization
	}
	return false
}

func Offline(err error) *Error { return &Error{Kind: KindOffline, Err: err} }

// Messages attached to codes.PermissionDenied to tell revocation and
// expiration apart.
const (
	msgRevokedUser         = "revoked user"
	msgExpiredOrganization = "expired organization"
)

// mapError converts a gRPC error to *Error.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Offline(err)
	}

	st, ok := status.FromError(err)
	if !ok {
		return &Error{Kind: KindInternal, Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return Offline(err)
	case codes.Unauthenticated:
		return &Error{Kind: KindBadAuthentication, Err: err}
	case codes.PermissionDenied:
		switch st.Message() {
		case msgRevokedUser:
			return &Error{Kind: KindRevokedUser, Err: err}
		case msgExpiredOrganization:
			return &Error{Kind: KindExpiredOrganization, Err: err}
		}
		return &Error{Kind: KindBadAuthentication, Err: err}
	default:
		return &Error{Kind: KindInternal, Err: err}
	}
}
