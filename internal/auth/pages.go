package auth

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

// page is the shared HTML shell. The surface is small enough that the
// components are assembled by hand against the templ runtime instead of
// generated sources.
func page(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>"+templ.EscapeString(title)+"</title></head>\n<body>\n"); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n</body>\n</html>")
		return err
	})
}

// LoginPage renders the passkey sign-in page.
func LoginPage() templ.Component {
	return page("ttyhub - Sign In", templ.Raw(`<h1>Sign In</h1>
<div id="error" style="display:none;color:red"></div>
<button id="login-btn" onclick="doLogin()">Sign in with passkey</button>
<script>`+loginScript+`</script>`))
}

// RegisterPage renders the device enrollment page.
func RegisterPage() templ.Component {
	return page("ttyhub - Register Device", templ.Raw(`<h1>Register Device</h1>
<div id="error" style="display:none;color:red"></div>
<input id="device-name" placeholder="Device name">
<input id="setup-token" placeholder="Setup token (existing installs)">
<button id="register-btn" onclick="doRegister()">Create passkey</button>
<script>`+registerScript+`</script>`))
}
