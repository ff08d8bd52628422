package security

// Feedback is static remediation guidance attached to a triggered rule. It
// explains the risk and shows a safe alternative; it never affects the
// blocking decision itself.
type Feedback struct {
	RuleID        string   `json:"rule_id"`
	Category      Category `json:"category"`
	Message       string   `json:"message"`
	ExampleSafe   string   `json:"example_safe"`
	ExampleUnsafe string   `json:"example_unsafe"`
}

// feedbackTexts is keyed by rule ID. Rules without an entry get a generic
// message derived from the rule description.
var feedbackTexts = map[string]Feedback{
	"js-eval": {
		Message:       "eval() runs any string as code, so attacker-controlled input becomes attacker-controlled behavior. Parse data instead of executing it.",
		ExampleSafe:   `const config = JSON.parse(text);`,
		ExampleUnsafe: `const config = eval("(" + text + ")");`,
	},
	"js-function-constructor": {
		Message:       "new Function() is eval with extra steps: it compiles a string into a callable. Declare functions statically.",
		ExampleSafe:   `const add = (a, b) => a + b;`,
		ExampleUnsafe: `const add = new Function("a", "b", "return a + b");`,
	},
	"js-timer-string": {
		Message:       "A string passed to setTimeout/setInterval is evaluated as code. Pass a function reference instead.",
		ExampleSafe:   `setTimeout(() => tick(), 100);`,
		ExampleUnsafe: `setTimeout("tick()", 100);`,
	},
	"js-network-access": {
		Message:       "The sandbox has no network. Compute over the inputs you were given rather than fetching external data.",
		ExampleSafe:   `const data = inputs[0];`,
		ExampleUnsafe: `const data = await fetch("https://example.com").then(r => r.text());`,
	},
	"py-eval": {
		Message:       "eval() runs any string as Python. Use ast.literal_eval for data, or parse explicitly.",
		ExampleSafe:   `value = ast.literal_eval(text)`,
		ExampleUnsafe: `value = eval(text)`,
	},
	"py-exec": {
		Message:       "exec() runs arbitrary statements. There is almost always a direct way to do what the generated code would do.",
		ExampleSafe:   `result = compute(x)`,
		ExampleUnsafe: `exec("result = compute(" + x + ")")`,
	},
	"py-os-system": {
		Message:       "os.system hands a string to the host shell. Sandboxed code has no business running host commands.",
		ExampleSafe:   `print("listing:", my_items)`,
		ExampleUnsafe: `os.system("ls /")`,
	},
	"py-subprocess": {
		Message:       "subprocess spawns processes on the host machine, outside the sandbox's control.",
		ExampleSafe:   `result = sorted(items)`,
		ExampleUnsafe: `subprocess.call(["sort", "items.txt"])`,
	},
	"py-file-open": {
		Message:       "open() touches the host filesystem. Work with in-memory data structures instead.",
		ExampleSafe:   `lines = text.splitlines()`,
		ExampleUnsafe: `lines = open("/etc/passwd").readlines()`,
	},
	"infinite-loop": {
		Message:       "A loop with a literal-true condition and no break never ends and will be killed by the watchdog. Give the loop an exit condition.",
		ExampleSafe:   "while count < 10:\n    count += 1",
		ExampleUnsafe: "while True:\n    count += 1",
	},
}

// feedbackFor returns one feedback entry per distinct triggered rule, in
// finding order.
func feedbackFor(findings []Finding) []Feedback {
	seen := make(map[string]bool)
	var out []Feedback
	for _, f := range findings {
		if seen[f.RuleID] {
			continue
		}
		seen[f.RuleID] = true

		fb, ok := feedbackTexts[f.RuleID]
		if !ok {
			fb = Feedback{Message: f.Message}
		}
		fb.RuleID = f.RuleID
		fb.Category = f.Category
		out = append(out, fb)
	}
	return out
}
