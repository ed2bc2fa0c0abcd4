// Copyright 1999-2020 Alibaba Group Holding Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package streaming

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dancing-ui/aigateway/core/router"
	"github.com/dancing-ui/aigateway/logging"
)

const defaultEncoding = "cl100k_base"

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

func getEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		tke, err := tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			logging.Error(err, "failed to load token encoding, falling back to length heuristic",
				"encoding", defaultEncoding,
			)
			return
		}
		encoder = tke
	})
	return encoder
}

// EstimateTokens counts the tokens in text. When the encoding cannot be
// loaded a rough length heuristic is used instead.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	if tke := getEncoder(); tke != nil {
		return int64(len(tke.Encode(text, nil, nil)))
	}
	// About four bytes per token for typical English text.
	return int64(len(text)+3) / 4
}

// EstimatePromptTokens counts the tokens across all request messages.
func EstimatePromptTokens(messages []router.Message) int64 {
	var total int64
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
