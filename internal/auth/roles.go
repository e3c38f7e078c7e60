package auth

import "strings"

const (
	RoleAdmin = "ROLE_ADMIN"
	RoleStaff = "ROLE_STAFF"
)

type Screen string

const (
	ScreenDisplay Screen = "display"
	ScreenKiosk   Screen = "kiosk"
	ScreenStaff   Screen = "staff"
	ScreenAdmin   Screen = "admin"
	ScreenHistory Screen = "history"
)

// screenRoles lists the roles allowed on each protected screen. Screens not
// listed are public.
var screenRoles = map[Screen][]string{
	ScreenStaff:   {RoleStaff, RoleAdmin},
	ScreenAdmin:   {RoleAdmin},
	ScreenHistory: {RoleStaff, RoleAdmin},
}

func RequiresLogin(screen Screen) bool {
	_, ok := screenRoles[screen]
	return ok
}

// Allowed reports whether role may open screen.
func Allowed(role string, screen Screen) bool {
	roles, ok := screenRoles[screen]
	if !ok {
		return true
	}
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
