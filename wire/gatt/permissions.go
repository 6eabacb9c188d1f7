package gatt

import (
	"strings"

	"github.com/user/blue-gatt/wire/att"
)

// Characteristic Properties (bitmask, sent in the characteristic declaration)
const (
	PropBroadcast                 = 0x01
	PropRead                      = 0x02
	PropWriteWithoutResponse      = 0x04
	PropWrite                     = 0x08
	PropNotify                    = 0x10
	PropIndicate                  = 0x20
	PropAuthenticatedSignedWrites = 0x40
	PropExtendedProperties        = 0x80
)

// Permissions are server-side only and never transmitted over the air
type Permissions uint8

const (
	PermReadable            Permissions = 0x01
	PermWritable            Permissions = 0x02
	PermReadEncrypt         Permissions = 0x04
	PermWriteEncrypt        Permissions = 0x08
	PermReadAuthentication  Permissions = 0x10
	PermWriteAuthentication Permissions = 0x20
	PermAuthorized          Permissions = 0x40
	PermNoAuthorization     Permissions = 0x80
)

var permNames = []struct {
	p    Permissions
	name string
}{
	{PermReadable, "read"},
	{PermWritable, "write"},
	{PermReadEncrypt, "read-encrypt"},
	{PermWriteEncrypt, "write-encrypt"},
	{PermReadAuthentication, "read-authn"},
	{PermWriteAuthentication, "write-authn"},
	{PermAuthorized, "authorized"},
	{PermNoAuthorization, "no-authz"},
}

func (p Permissions) String() string {
	var parts []string
	for _, pn := range permNames {
		if p&pn.p != 0 {
			parts = append(parts, pn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParsePermissions turns names like "read|write-encrypt" into bits
func ParsePermissions(s string) (Permissions, bool) {
	var p Permissions
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
		found := false
		for _, pn := range permNames {
			if pn.name == part {
				p |= pn.p
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return p, true
}

// PermissionsFromProperties derives the default permissions of a characteristic value
func PermissionsFromProperties(properties uint8) Permissions {
	var perms Permissions
	if properties&PropRead != 0 {
		perms |= PermReadable
	}
	if properties&(PropWrite|PropWriteWithoutResponse|PropAuthenticatedSignedWrites) != 0 {
		perms |= PermWritable
	}
	return perms
}

// Security is the link security level of one connection, kept by the
// connection and passed in on every access check.
type Security struct {
	Encrypted     bool
	Authenticated bool
	Authorized    bool
}

// CheckRead returns the ATT error code that denies a read, or 0 if allowed
func (p Permissions) CheckRead(sec Security) uint8 {
	switch {
	case p&PermReadable == 0:
		return att.ErrReadNotPermitted
	case p&PermReadAuthentication != 0 && !sec.Authenticated:
		return att.ErrInsufficientAuthentication
	case p&PermReadEncrypt != 0 && !sec.Encrypted:
		return att.ErrInsufficientEncryption
	case p&PermAuthorized != 0 && !sec.Authorized:
		return att.ErrInsufficientAuthorization
	}
	return 0
}

// CheckWrite returns the ATT error code that denies a write, or 0 if allowed
func (p Permissions) CheckWrite(sec Security) uint8 {
	switch {
	case p&PermWritable == 0:
		return att.ErrWriteNotPermitted
	case p&PermWriteAuthentication != 0 && !sec.Authenticated:
		return att.ErrInsufficientAuthentication
	case p&PermWriteEncrypt != 0 && !sec.Encrypted:
		return att.ErrInsufficientEncryption
	case p&PermAuthorized != 0 && !sec.Authorized:
		return att.ErrInsufficientAuthorization
	}
	return 0
}
