// Copyright 2021-2022 The httpmq Authors
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

package common

import (
	"context"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// GetLogTagsForContext return a copy of the component log tags, extended with the request
// parameters the REST logging middleware attached to the context if any
func (c Component) GetLogTagsForContext(ctxt context.Context) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	if ctxt == nil {
		return result
	}
	goutils.ModifyLogMetadataByRestRequestParam(ctxt, result)
	return result
}
