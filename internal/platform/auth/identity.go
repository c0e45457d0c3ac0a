package auth

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"strings"
)

// ErrNoIdentity is returned when the request carries no authenticated user.
var ErrNoIdentity = errors.New("auth: no authenticated user")

const patientIDMask = 1<<53 - 1

// PatientIDFromContext derives the numeric patient id of the caller: an
// explicit numeric patient claim, else a numeric user id, else a stable
// FNV-1a hash of the user id. Hashed ids stay below 2^53.
func PatientIDFromContext(ctx context.Context) (int64, error) {
	return ResolvePatientID(UserIDFromContext(ctx), patientClaimFromContext(ctx))
}

// ResolvePatientID applies the same derivation to explicit values.
func ResolvePatientID(userID, patientClaim string) (int64, error) {
	if id, ok := positiveInt(patientClaim); ok {
		return id, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ErrNoIdentity
	}
	if id, ok := positiveInt(userID); ok {
		return id, nil
	}
	h := fnv.New64a()
	h.Write([]byte(userID))
	id := int64(h.Sum64() & patientIDMask)
	if id == 0 {
		id = 1
	}
	return id, nil
}

func positiveInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
