package main

import "github.com/stoik/mailsift/services/pipeline-service/internal/app"

func main() {
	app.Execute()
}
