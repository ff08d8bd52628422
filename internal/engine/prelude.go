package engine

import (
	"encoding/json"
	"strings"
	"text/template"
)

// Preludes are rendered with [[ ]] delimiters so guest-language braces never
// collide with template syntax. Inputs and paths are embedded as JSON
// literals, which are valid source literals in both guest languages.

type preludeData struct {
	TelePath       string
	InputsJSON     string
	UserCode       string
	CPUSeconds     int64
	MemBytes       int64
	RecursionDepth int
}

func renderPrelude(tpl *template.Template, data preludeData) (string, error) {
	var sb strings.Builder
	if err := tpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func jsonLiteral(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// addressSpaceOverheadMB is headroom added on top of the guest memory limit
// when setting RLIMIT_AS: the interpreter's own mappings (shared libraries,
// arenas) count against address space but not against the guest's budget.
const addressSpaceOverheadMB = 512

var pythonPrelude = template.Must(template.New("python").Delims("[[", "]]").Parse(`import sys, json, builtins, atexit
try:
    import resource as __resource
    __resource.setrlimit(__resource.RLIMIT_CPU, ([[.CPUSeconds]], [[.CPUSeconds]]))
    __resource.setrlimit(__resource.RLIMIT_AS, ([[.MemBytes]], [[.MemBytes]]))
except Exception:
    pass
sys.setrecursionlimit([[.RecursionDepth]])

__tele = {"network_requests": 0, "dom_mutations": 0, "globals": {}}
__real_open = builtins.open
__inputs = [[.InputsJSON]]
__input_pos = [0]

def __replay_input(prompt=""):
    if prompt:
        sys.stdout.write(str(prompt))
    if __input_pos[0] >= len(__inputs):
        raise EOFError("input exhausted")
    value = __inputs[__input_pos[0]]
    __input_pos[0] += 1
    sys.stdout.write(value + "\n")
    return value

def __blocked(name, network=False):
    def __stub(*args, **kwargs):
        if network:
            __tele["network_requests"] += 1
        raise PermissionError(name + " is disabled in the sandbox")
    return __stub

builtins.input = __replay_input
builtins.eval = __blocked("eval")
builtins.exec = __blocked("exec")
builtins.compile = __blocked("compile")
builtins.open = __blocked("open")

__real_import = builtins.__import__
__denied_modules = frozenset((
    "os", "subprocess", "shutil", "ctypes", "pathlib",
    "multiprocessing", "signal", "importlib", "socketserver",
))
__network_modules = frozenset((
    "socket", "http", "urllib", "requests", "ftplib", "smtplib",
))

def __gated_import(name, *args, **kwargs):
    root = name.split(".")[0]
    if root in __network_modules:
        __tele["network_requests"] += 1
        raise ImportError("module " + repr(root) + " is disabled in the sandbox")
    if root in __denied_modules:
        raise ImportError("module " + repr(root) + " is disabled in the sandbox")
    return __real_import(name, *args, **kwargs)

builtins.__import__ = __gated_import

def __dump_telemetry():
    snapshot = {}
    for key, value in list(globals().items()):
        if key.startswith("_") or key in ("sys", "json", "builtins", "atexit"):
            continue
        if isinstance(value, (bool, int, float, str)) or value is None:
            snapshot[key] = value
        else:
            snapshot[key] = repr(value)
    __tele["globals"] = snapshot
    try:
        __handle = __real_open([[.TelePath]], "w")
        json.dump(__tele, __handle)
        __handle.close()
    except Exception:
        pass

atexit.register(__dump_telemetry)

[[.UserCode]]
`))

var nodePrelude = template.Must(template.New("node").Delims("[[", "]]").Parse(`"use strict";
const __fs = require("fs");
const __tele = { network_requests: 0, dom_mutations: 0, globals: {} };
const __telePath = [[.TelePath]];
const __inputs = [[.InputsJSON]];
let __inputPos = 0;

function __replayInput(promptText) {
  if (promptText) process.stdout.write(String(promptText));
  if (__inputPos >= __inputs.length) throw new Error("input exhausted");
  const value = __inputs[__inputPos++];
  process.stdout.write(value + "\n");
  return value;
}

function __blocked(name, network) {
  return function () {
    if (network) __tele.network_requests += 1;
    throw new Error(name + " is disabled in the sandbox");
  };
}

const __deniedModules = new Set([
  "fs", "child_process", "os", "vm", "worker_threads", "cluster",
  "repl", "inspector", "module", "process",
]);
const __networkModules = new Set([
  "net", "http", "https", "http2", "dgram", "dns", "tls",
]);

function __gatedRequire(name) {
  const root = String(name).replace(/^node:/, "").split("/")[0];
  if (__networkModules.has(root)) {
    __tele.network_requests += 1;
    throw new Error("module '" + root + "' is disabled in the sandbox");
  }
  if (__deniedModules.has(root)) {
    throw new Error("module '" + root + "' is disabled in the sandbox");
  }
  return require(name);
}

const __document = new Proxy({}, {
  set(target, key, value) {
    __tele.dom_mutations += 1;
    target[key] = value;
    return true;
  },
  deleteProperty(target, key) {
    __tele.dom_mutations += 1;
    delete target[key];
    return true;
  },
});

const __guestGlobals = {};
const __baseline = new Set(Object.getOwnPropertyNames(globalThis));

process.on("exit", function () {
  const snapshot = {};
  const record = function (key, value) {
    if (key.startsWith("_")) return;
    const t = typeof value;
    if (value === null || t === "number" || t === "string" || t === "boolean") {
      snapshot[key] = value;
    } else {
      snapshot[key] = String(value);
    }
  };
  for (const key of Object.keys(__guestGlobals)) record(key, __guestGlobals[key]);
  for (const key of Object.getOwnPropertyNames(globalThis)) {
    if (!__baseline.has(key)) record(key, globalThis[key]);
  }
  __tele.globals = snapshot;
  try {
    __fs.writeFileSync(__telePath, JSON.stringify(__tele));
  } catch (err) {}
});

const __guestProcess = {
  argv: [],
  env: { SANDBOX: "true" },
  stdout: process.stdout,
  stderr: process.stderr,
  exit: __blocked("process.exit", false),
  kill: __blocked("process.kill", false),
  binding: __blocked("process.binding", false),
};

(function (require, process, module, exports, document, globals, prompt, readline, fetch, XMLHttpRequest, WebSocket) {
[[.UserCode]]
})(
  __gatedRequire,
  __guestProcess,
  undefined,
  undefined,
  __document,
  __guestGlobals,
  __replayInput,
  __replayInput,
  __blocked("fetch", true),
  __blocked("XMLHttpRequest", true),
  __blocked("WebSocket", true)
);
`))
