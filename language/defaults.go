package language

// Defaults is the built-in language set used when no file or inline
// definitions are configured.
func Defaults() []Language {
	return []Language{
		{
			ID:          50,
			Name:        "C (GCC 13)",
			SourceFile:  "main.c",
			CompileCmd:  "gcc %s -O2 -std=c17 -o main main.c -lm",
			RunCmd:      "./main",
			Image:       "gcc:13",
			TimeLimit:   5,
			MemoryLimit: 128000,
		},
		{
			ID:          54,
			Name:        "C++ (GCC 13)",
			SourceFile:  "main.cpp",
			CompileCmd:  "g++ %s -O2 -std=c++17 -o main main.cpp",
			RunCmd:      "./main",
			Image:       "gcc:13",
			TimeLimit:   5,
			MemoryLimit: 128000,
		},
		{
			ID:          60,
			Name:        "Go (1.23)",
			SourceFile:  "main.go",
			CompileCmd:  "GOCACHE=/tmp/.cache go build %s -o main main.go",
			RunCmd:      "./main",
			Image:       "golang:1.23-alpine",
			TimeLimit:   5,
			MemoryLimit: 256000,
		},
		{
			ID:          62,
			Name:        "Java (OpenJDK 21)",
			SourceFile:  "Main.java",
			CompileCmd:  "javac %s Main.java",
			RunCmd:      "java -Xss64m Main",
			Image:       "eclipse-temurin:21-jdk",
			TimeLimit:   8,
			MemoryLimit: 256000,
		},
		{
			ID:          63,
			Name:        "JavaScript (Node.js 20)",
			SourceFile:  "main.js",
			RunCmd:      "node main.js",
			Image:       "node:20-alpine",
			TimeLimit:   5,
			MemoryLimit: 128000,
		},
		{
			ID:          71,
			Name:        "Python (3.12)",
			SourceFile:  "main.py",
			RunCmd:      "python3 main.py",
			Image:       "python:3.12-slim",
			TimeLimit:   5,
			MemoryLimit: 128000,
		},
		{
			ID:          70,
			Name:        "Python (2.7)",
			SourceFile:  "main.py",
			RunCmd:      "python2 main.py",
			Image:       "python:2.7-slim",
			TimeLimit:   5,
			MemoryLimit: 128000,
			IsArchived:  true,
		},
	}
}
