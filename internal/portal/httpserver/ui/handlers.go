package ui

import "net/http"

// Home renders the landing page.
func Home(w http.ResponseWriter, r *http.Request) {
	Render(w, r, http.StatusOK, "home", NewPageData(r, "Campus Portal"))
}

// Page returns a handler rendering a titled content page. Access control is
// applied by the route guard before the handler runs.
func Page(title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		Render(w, r, http.StatusOK, "page", NewPageData(r, title))
	}
}

// NotFound renders the 404 page.
func NotFound(w http.ResponseWriter, r *http.Request) {
	data := NewPageData(r, "Page not found")
	data.Error = "The page you are looking for does not exist."
	Render(w, r, http.StatusNotFound, "error", data)
}

// LoginForm is the state of a login form being rendered.
type LoginForm struct {
	Email string
	Next  string
	Error string
}

// Login renders the login page.
func Login(w http.ResponseWriter, r *http.Request, status int, form LoginForm) {
	data := NewPageData(r, "Sign in")
	data.Email = form.Email
	data.Next = form.Next
	data.Error = form.Error
	Render(w, r, status, "login", data)
}
