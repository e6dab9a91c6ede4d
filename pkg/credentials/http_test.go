// Copyright 2025 UMH Systems GmbH
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

package credentials_test

import (
	"context"
	"net/http"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/agent-gateway/pkg/config"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/credentials"
	"github.com/united-manufacturing-hub/agent-gateway/pkg/standarderrors"
)

var _ = Describe("HTTPService", func() {
	const baseURL = "http://credentials.local"
	var service *credentials.HTTPService

	BeforeEach(func() {
		service = credentials.NewHTTPService(baseURL + "/")
		gock.InterceptClient(service.Client())
	})

	AfterEach(func() {
		// Turn off all mocks, even the unmatched ones
		gock.OffAll()
	})

	It("exchanges a shadow token", func() {
		gock.New(baseURL).
			Post("/v1/token/exchange").
			MatchType("json").
			JSON(map[string]string{"shadowToken": "ABC"}).
			Reply(http.StatusOK).
			JSON(map[string]string{"accessToken": "access"})

		token, err := service.ExchangeShadowToken(context.Background(), "ABC")
		Expect(err).ToNot(HaveOccurred())
		Expect(token).To(Equal("access"))
		Expect(gock.IsDone()).To(BeTrue())
	})

	It("exchanges a static identity", func() {
		gock.New(baseURL).
			Post("/v1/token/identity").
			JSON(map[string]string{"identity": "pat-1", "subject": "svc"}).
			Reply(http.StatusOK).
			JSON(map[string]string{"accessToken": "access"})

		token, err := service.ExchangeStaticIdentity(context.Background(), config.StaticIdentity{Token: "pat-1", Subject: "svc"})
		Expect(err).ToNot(HaveOccurred())
		Expect(token).To(Equal("access"))
	})

	It("reports rejected exchanges as authentication errors", func() {
		gock.New(baseURL).
			Post("/v1/token/exchange").
			Reply(http.StatusUnauthorized).
			BodyString("expired")

		_, err := service.ExchangeShadowToken(context.Background(), "ABC")
		Expect(err).To(MatchError(standarderrors.ErrAuthentication))
		Expect(err.Error()).To(ContainSubstring("401"))
		Expect(err.Error()).To(ContainSubstring("expired"))
	})

	It("reports undecodable responses as authentication errors", func() {
		gock.New(baseURL).
			Post("/v1/token/exchange").
			Reply(http.StatusOK).
			BodyString("{")

		_, err := service.ExchangeShadowToken(context.Background(), "ABC")
		Expect(err).To(MatchError(standarderrors.ErrAuthentication))
	})
})
