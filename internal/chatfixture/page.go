package chatfixture

import "html/template"

type pageData struct {
	HideNewChat  bool
	DisableInput bool
}

// The counter spans are created by script when the first stats event of a
// reply arrives, so they are absent from the DOM until a message is sent.
var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Local Chat</title>
<style>
body { font-family: system-ui, sans-serif; margin: 0; display: flex; height: 100vh; }
aside { width: 14rem; border-right: 1px solid #ddd; padding: 1rem; }
main { flex: 1; display: flex; flex-direction: column; padding: 1rem; }
#transcript { flex: 1; overflow-y: auto; }
.msg { margin: .25rem 0; padding: .5rem .75rem; border-radius: .5rem; max-width: 40rem; }
.msg.user { background: #e8f0fe; margin-left: auto; }
.msg.assistant { background: #f1f3f4; }
#stats { font-size: .85rem; color: #555; min-height: 1.2rem; display: flex; gap: 1rem; }
form { display: flex; gap: .5rem; }
input { flex: 1; padding: .5rem; }
</style>
</head>
<body>
<aside>
{{- if not .HideNewChat}}
<button type="button" id="new-chat">New Chat</button>
{{- end}}
<ul id="chats"></ul>
</aside>
<main>
<div id="transcript"></div>
<div id="stats"></div>
<form id="composer">
<input id="message" type="text" placeholder="Type your message..." autocomplete="off" disabled>
<button type="submit">Send</button>
</form>
</main>
<script>
(function () {
  const inputLocked = {{.DisableInput}};
  const transcript = document.getElementById("transcript");
  const stats = document.getElementById("stats");
  const input = document.getElementById("message");
  const chats = document.getElementById("chats");
  let chatId = null;
  let stream = null;

  function bubble(sender, text) {
    const div = document.createElement("div");
    div.className = "msg " + sender;
    div.textContent = text;
    transcript.appendChild(div);
    return div;
  }

  function setCounter(id, text) {
    let el = document.getElementById(id);
    if (!el) {
      el = document.createElement("span");
      el.id = id;
      stats.appendChild(el);
    }
    el.textContent = text;
  }

  const newChat = document.getElementById("new-chat");
  if (newChat) {
    newChat.addEventListener("click", async function () {
      const resp = await fetch("/api/chats", { method: "POST" });
      if (!resp.ok) return;
      const chat = await resp.json();
      chatId = chat.id;
      transcript.replaceChildren();
      stats.replaceChildren();
      const li = document.createElement("li");
      li.textContent = chat.name;
      chats.prepend(li);
      input.disabled = inputLocked;
      if (!inputLocked) input.focus();
    });
  }

  document.getElementById("composer").addEventListener("submit", function (ev) {
    ev.preventDefault();
    const text = input.value.trim();
    if (chatId === null || text === "") return;
    input.value = "";
    bubble("user", text);
    const reply = bubble("assistant", "");
    if (stream) stream.close();
    stream = new EventSource("/api/chats/" + chatId + "/stream?message=" + encodeURIComponent(text));
    stream.addEventListener("chunk", function (e) { reply.textContent += e.data; });
    stream.addEventListener("token-stats", function (e) {
      const d = JSON.parse(e.data);
      setCounter("token-counter", d.tokens + " tokens (" + d.tps.toFixed(1) + " tok/s)");
    });
    stream.addEventListener("session-token-total", function (e) {
      const d = JSON.parse(e.data);
      setCounter("session-token-total", "Session total: " + d.total + " tokens");
    });
    stream.addEventListener("done", function () { stream.close(); });
    stream.onerror = function () { stream.close(); };
  });
})();
</script>
</body>
</html>
`))
