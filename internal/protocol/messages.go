package protocol

// Chat engine replies.
const (
	WelcomePrefix = "\nWelcome to the chat, "

	CommandList = "COMMAND LIST\n" +
		"/h ----------------------> list of commands\n" +
		"/ul ---------------------> list of users\n" +
		"/u <username> -----------> set username (MAX 15 chars, no spaces)\n" +
		"/w <receiver username> <message> -> whisper\n\n"

	ShutdownMessage = "Server is now offline. Please join back later.\n"
	ServerFull      = "Server: server is full, please join back later\n"
	UsernameFailure = "Server: Sorry that username is already taken\n"
	UsernameSuccess = "Server: Success! You will now go by "
	UsernameTooLong = "Server: Error, username too long. 15 is the MAX.\n"
	CommandNotFound = "Server: Invalid Command. /h for help\n"
	InvalidNumArgs  = "Server: Error! Invalid # Arguments. /h for command list.\n"
	InvalidReceiver = "Server: Non Existent Receiver\n"
	RateLimited     = "Server: Slow down! Message dropped.\n"

	UserListHeader = "USER LIST\n"
	YouSuffix      = "(you)"
)

// Supervisor replies.
const (
	IncorrectPasskeyFormat = "Incorrect passkey. Attempts remaining: %d\n"
	AuthFailed             = "Passkey authentication failed. Closing connection.\n"
	PasskeyMatched         = "ACCEPTED\n"
	EngineStarted          = "STARTED\n"
	EngineStopped          = "STOPPED\n"

	// PopulationFormat is relayed to the manager for every side-channel
	// record.
	PopulationFormat = "/d %d"
)

// Admin control commands.
const (
	CommandStart = "/s"
	CommandStop  = "/q"
)
