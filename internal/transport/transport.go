package transport

// Account is a remote account as reported by the server.
type Account struct {
	UUID     string
	Name     string
	Type     int
	URL      string
	Username string
}

// List is a task collection. CTag is empty when the server does not report
// one.
type List struct {
	URL  string
	Name string
	CTag string
}

// Object is one remote VTODO resource.
type Object struct {
	UID   string
	Href  string
	ETag  string
	VTodo []byte
}
