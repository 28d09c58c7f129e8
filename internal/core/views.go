package core

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

const indexScript = `
const out = document.getElementById('events');
const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
ws.onmessage = (m) => { out.textContent += m.data + '\n'; };
ws.onclose = () => { out.textContent += '[disconnected]\n'; };
`

// IndexPage renders the signed-in landing page with the live event feed.
func IndexPage() templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>ttyhub</title></head>
<body>
<h1>ttyhub</h1>
<p>You are signed in. Live auth events appear below.</p>
<ul>
<li><a href="/auth/credentials">Devices</a></li>
<li><a href="/auth/setup-tokens">Setup tokens</a></li>
<li><a href="/api/audit">Audit log</a></li>
</ul>
<form method="POST" action="/auth/logout"><button>Sign out</button></form>
<pre id="events"></pre>
<script>`+indexScript+`</script>
</body>
</html>`)
		return err
	})
}
