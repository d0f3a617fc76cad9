// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The mailmirror command copies new messages from a remote mailbox to
// local disk, one folder per message.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "mailmirror: loading .env: %v\n", err)
		os.Exit(1)
	}

	a := &app{log: zerolog.New(os.Stderr).With().Timestamp().Logger()}
	if err := a.rootCmd().Execute(); err != nil {
		if !alreadyLogged(err) {
			a.log.Error().Err(err).Msg("failed")
		}
		os.Exit(1)
	}
}
