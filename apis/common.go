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

// Package apis implements the HTTP and websocket transports of the relay.
package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/is-akash/socket-chat-example/common"
)

// ========================================================================================

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// relayRestHandler base REST handler of the relay
type relayRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// defineRestAPIHandler define the base REST handler from the HTTP config
func defineRestAPIHandler(
	logTags log.Fields, config common.HTTPRequestLogging,
) relayRestHandler {
	requestIDHeader := config.RequestIDHeader
	return relayRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range config.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		requestIDHeader: requestIDHeader,
	}
}

// setRequestIDHeader echo the request ID back to the caller
func (h relayRestHandler) setRequestIDHeader(ctxt context.Context, header http.Header) {
	if reqID := h.ReadRequestIDFromContext(ctxt); reqID != "" && h.requestIDHeader != "" {
		header.Set(h.requestIDHeader, reqID)
	}
}

// reply helper function for writing responses
func (h relayRestHandler) reply(
	ctxt context.Context, w http.ResponseWriter, respCode int, resp interface{},
) {
	w.Header().Set("content-type", "application/json")
	h.setRequestIDHeader(ctxt, w.Header())
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(ctxt)).Error(
			"Failed to form response",
		)
	}
}
