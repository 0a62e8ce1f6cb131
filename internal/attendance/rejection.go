package attendance

import "fmt"

// Code identifies why a redemption was rejected.
type Code string

const (
	CodeInvalidToken      Code = "InvalidToken"
	CodeTokenExpired      Code = "TokenExpired"
	CodeNotEnrolled       Code = "NotEnrolled"
	CodeAlreadyMarked     Code = "AlreadyMarked"
	CodeDeviceAlreadyUsed Code = "DeviceAlreadyUsed"
	CodeLocationRequired  Code = "LocationRequired"
	CodeOutOfRange        Code = "OutOfRange"
)

// Kind groups rejection codes for clients.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
)

// Rejection is a business outcome of Redeem, not an internal failure.
// SessionRef is empty when the token could not be resolved. DistanceMeters
// and AllowedRadiusMeters are set for OutOfRange only.
type Rejection struct {
	Code                Code
	Kind                Kind
	Message             string
	SessionRef          string
	DistanceMeters      float64
	AllowedRadiusMeters int
}

func (r *Rejection) Error() string {
	return string(r.Code) + ": " + r.Message
}

// Is matches any Rejection carrying the same code.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Code == r.Code
}

// Sentinels for errors.Is checks. Redeem returns fresh copies.
var (
	ErrInvalidToken = &Rejection{
		Code: CodeInvalidToken, Kind: KindValidation,
		Message: "invalid attendance token",
	}
	ErrTokenExpired = &Rejection{
		Code: CodeTokenExpired, Kind: KindValidation,
		Message: "attendance token has expired, ask the instructor to issue a new one",
	}
	ErrNotEnrolled = &Rejection{
		Code: CodeNotEnrolled, Kind: KindAuthorization,
		Message: "you are not enrolled in this session",
	}
	ErrAlreadyMarked = &Rejection{
		Code: CodeAlreadyMarked, Kind: KindConflict,
		Message: "attendance already marked for today",
	}
	ErrDeviceAlreadyUsed = &Rejection{
		Code: CodeDeviceAlreadyUsed, Kind: KindConflict,
		Message: "this device was already used to mark attendance for another student",
	}
	ErrLocationRequired = &Rejection{
		Code: CodeLocationRequired, Kind: KindValidation,
		Message: "location is required for this session, enable GPS and try again",
	}
	ErrOutOfRange = &Rejection{
		Code: CodeOutOfRange, Kind: KindValidation,
		Message: "you are outside the allowed area",
	}
)

func reject(sentinel *Rejection) *Rejection {
	r := *sentinel
	return &r
}

func rejectIn(sessionRef string, sentinel *Rejection) *Rejection {
	r := reject(sentinel)
	r.SessionRef = sessionRef
	return r
}

func outOfRange(sessionRef string, distance float64, radius int) *Rejection {
	r := rejectIn(sessionRef, ErrOutOfRange)
	r.DistanceMeters = distance
	r.AllowedRadiusMeters = radius
	r.Message = fmt.Sprintf("you are %dm away, you must be within %dm to mark attendance", int(distance), radius)
	return r
}
