package vm

// Well-known member names the runtime looks up by itself.
var (
	strInit       = NewStaticString(".init")
	strNew        = NewStaticString(".new")
	strCall       = NewStaticString(".call")
	strItem       = NewStaticString(".item")
	strIter       = NewStaticString(".iter")
	strToString   = NewStaticString("toString")
	strMessage    = NewStaticString("message")
	strStackTrace = NewStaticString("stackTrace")
	strEmpty      = NewStaticString("")
)
