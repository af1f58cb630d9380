package domain

type OrderType string

const (
	OrderTypeUser  OrderType = "user"
	OrderTypeGuest OrderType = "guest"
)

// Owner is either a UserOwner or a GuestOwner. The unexported method keeps
// the set closed so an order always carries exactly one owner reference.
type Owner interface {
	OrderType() OrderType
	isOwner()
}

type UserOwner struct {
	UserID string
}

func (UserOwner) OrderType() OrderType { return OrderTypeUser }
func (UserOwner) isOwner()             {}

type GuestOwner struct {
	GuestID     string
	Fingerprint string
}

func (GuestOwner) OrderType() OrderType { return OrderTypeGuest }
func (GuestOwner) isOwner()             {}

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// Actor is the caller of a lifecycle operation. Guests have no UserID and
// prove ownership through the e-mail captured at checkout.
type Actor struct {
	Role   Role
	UserID string
	Email  string
}

func AdminActor(userID string) Actor { return Actor{Role: RoleAdmin, UserID: userID} }

func UserActor(userID, email string) Actor {
	return Actor{Role: RoleUser, UserID: userID, Email: email}
}

func GuestActor(email string) Actor { return Actor{Role: RoleGuest, Email: email} }

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Label is what gets recorded in verifiedBy/cancelledBy.
func (a Actor) Label() string {
	switch {
	case a.UserID != "":
		return string(a.Role) + ":" + a.UserID
	case a.Email != "":
		return string(a.Role) + ":" + a.Email
	default:
		return string(a.Role)
	}
}
