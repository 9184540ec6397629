package conn

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/models"
	"github.com/freeqd/freeqd/internal/s2s"
	"github.com/freeqd/freeqd/internal/sasl"
)

// msgSigTag is the vendor message tag clients attach (and MSGSIG-registered
// signers are trusted to carry) on outbound PRIVMSG/NOTICE lines.
const msgSigTag = "+freeq.at/sig"

// supportedCaps are the IRCv3 capabilities freeqd negotiates.
var supportedCaps = []string{
	"message-tags",
	"server-time",
	"batch",
	"echo-message",
	"away-notify",
	"account-notify",
	"extended-join",
	"multi-prefix",
	"draft/chathistory",
	"sasl",
	"freeq.at/endpoint",
}

func (s *Session) dispatch(ctx context.Context, msg *Message) {
	if !s.isRegistered() {
		switch msg.Command {
		case "CAP", "AUTHENTICATE", "NICK", "USER", "PASS", "PING", "QUIT":
		default:
			s.sendNumeric(ERR_NOTREGISTERED(), "*", "You have not registered")
			return
		}
	}

	switch msg.Command {
	case "CAP":
		s.handleCAP(msg)
	case "AUTHENTICATE":
		s.handleAUTHENTICATE(ctx, msg)
	case "PASS":
		// Accepted and ignored: identity comes from SASL, not a server password.
	case "NICK":
		s.handleNICK(msg)
	case "USER":
		s.handleUSER(msg)
	case "PING":
		s.handlePING(msg)
	case "PONG":
		// no-op; receipt alone resets the idle timer via the read loop.
	case "JOIN":
		s.handleJOIN(msg)
	case "PART":
		s.handlePART(msg)
	case "QUIT":
		s.sendRaw((&Message{Command: "ERROR", Params: []string{"Closing link"}}).String())
		s.closeOnce.Do(func() { close(s.done) })
	case "PRIVMSG":
		s.handleMessage(msg, false)
	case "NOTICE":
		s.handleMessage(msg, true)
	case "TAGMSG":
		s.handleTagmsg(msg)
	case "TOPIC":
		s.handleTOPIC(msg)
	case "MODE":
		s.handleMODE(msg)
	case "KICK":
		s.handleKICK(msg)
	case "INVITE":
		s.handleINVITE(msg)
	case "NAMES":
		s.handleNAMES(msg)
	case "WHO":
		s.handleWHO(msg)
	case "WHOIS":
		s.handleWHOIS(msg)
	case "AWAY":
		s.handleAWAY(msg)
	case "MOTD":
		s.sendMOTD()
	case "PIN":
		s.handlePIN(msg)
	case "UNPIN":
		s.handleUNPIN(msg)
	case "PINS":
		s.handlePINS(msg)
	case "LIST":
		s.handleLIST(msg)
	case "CHATHISTORY":
		s.handleCHATHISTORY(msg)
	case "MSGSIG":
		s.handleMSGSIG(msg)
	case "POLICY":
		s.handlePOLICY(msg)
	case "OPER":
		s.handleOPER(msg)
	default:
		s.sendNumeric(ERR_UNKNOWNCOMMAND, s.currentNick(), msg.Command, "Unknown command")
	}
}

// ERR_NOTREGISTERED (451) isn't in the core numeric set used elsewhere;
// kept local since it is only ever sent from the pre-registration gate.
func ERR_NOTREGISTERED() string { return "451" }

func (s *Session) handleCAP(msg *Message) {
	if len(msg.Params) == 0 {
		return
	}
	sub := strings.ToUpper(msg.Params[0])
	switch sub {
	case "LS":
		s.sendRaw((&Message{Prefix: s.hub.serverPrefix(), Command: "CAP", Params: []string{s.currentNick(), "LS", strings.Join(supportedCaps, " ")}}).String())
	case "REQ":
		if len(msg.Params) < 2 {
			return
		}
		requested := strings.Fields(msg.Params[1])
		s.mu.Lock()
		for _, c := range requested {
			s.capsRequested[c] = true
		}
		s.mu.Unlock()
		s.sendRaw((&Message{Prefix: s.hub.serverPrefix(), Command: "CAP", Params: []string{s.currentNick(), "ACK", msg.Params[1]}}).String())
	case "LIST":
		s.mu.Lock()
		var have []string
		for c := range s.capsRequested {
			have = append(have, c)
		}
		s.mu.Unlock()
		s.sendRaw((&Message{Prefix: s.hub.serverPrefix(), Command: "CAP", Params: []string{s.currentNick(), "LIST", strings.Join(have, " ")}}).String())
	case "END":
		s.mu.Lock()
		s.capNegotiationDone = true
		s.mu.Unlock()
		s.maybeCompleteRegistration()
	}
}

func (s *Session) handleAUTHENTICATE(ctx context.Context, msg *Message) {
	if len(msg.Params) == 0 {
		return
	}
	arg := msg.Params[0]

	s.mu.Lock()
	inProgress := s.st == stateSASLInProgress
	s.mu.Unlock()

	if !inProgress {
		if arg != sasl.Mechanism {
			s.sendNumeric(ERR_SASLFAIL, s.currentNick(), "SASL authentication failed")
			return
		}
		challenge, encoded, err := sasl.NewChallenge()
		if err != nil {
			s.sendNumeric(ERR_SASLFAIL, s.currentNick(), "SASL authentication failed")
			return
		}
		s.mu.Lock()
		s.st = stateSASLInProgress
		s.saslChallenge = challenge
		s.mu.Unlock()
		s.sendRaw((&Message{Command: "AUTHENTICATE", Params: []string{encoded}}).String())
		return
	}

	if arg == "*" {
		s.abortSASL()
		return
	}

	resp, err := sasl.ParseResponse(arg)
	if err != nil {
		s.failSASL()
		return
	}

	var did string
	switch resp.Method {
	case sasl.MethodWebToken:
		did, err = s.hub.auth.VerifyWebToken(resp.Signature)
	case sasl.MethodBotToken:
		if resp.DID == "" || !sasl.VerifyBotToken(resp.Signature, s.hub.cfg.BotTokenHashes) {
			err = &sasl.Error{Code: "verify_failed", Message: "invalid bot token"}
			break
		}
		did = "did:freeqd:bot:" + resp.DID
	default:
		s.mu.Lock()
		challenge := s.saslChallenge
		s.mu.Unlock()
		did, err = s.hub.auth.VerifyChallenge(ctx, resp, challenge)
	}
	if err != nil {
		s.failSASL()
		return
	}

	s.mu.Lock()
	s.did = did
	s.st = stateCapNegotiating
	nick := s.nick
	s.mu.Unlock()
	s.hub.auth.ResetFailures(s.id)
	s.sendNumeric(RPL_LOGGEDIN, s.currentNick(), fmt.Sprintf("%s!%s@%s", nick, nick, did), did, "You are now logged in as "+did)
	s.sendNumeric(RPL_SASLSUCCESS, s.currentNick(), "SASL authentication successful")
	s.broadcastToMyChannelsCapAware("account-notify", (&Message{Prefix: s.identPrefix(), Command: "ACCOUNT", Params: []string{did}}).String())
	s.maybeCompleteRegistration()
}

func (s *Session) abortSASL() {
	s.mu.Lock()
	s.st = stateCapNegotiating
	s.saslChallenge = nil
	s.mu.Unlock()
	s.sendNumeric(ERR_SASLABORTED, s.currentNick(), "SASL authentication aborted")
}

func (s *Session) failSASL() {
	exceeded := s.hub.auth.RecordFailure(s.id)
	s.mu.Lock()
	s.st = stateCapNegotiating
	s.saslChallenge = nil
	s.mu.Unlock()
	s.sendNumeric(ERR_SASLFAIL, s.currentNick(), "SASL authentication failed")
	if exceeded {
		s.sendRaw((&Message{Command: "ERROR", Params: []string{"Closing link: too many authentication failures"}}).String())
		s.closeOnce.Do(func() { close(s.done) })
	}
}

func (s *Session) handleNICK(msg *Message) {
	if len(msg.Params) == 0 {
		s.sendNumeric(ERR_NONICKNAMEGIVEN, s.currentNick(), "No nickname given")
		return
	}
	newNick := msg.Params[0]
	if !validNick(newNick) {
		s.sendNumeric(ERR_ERRONEUSNICKNAME, s.currentNick(), newNick, "Erroneous nickname")
		return
	}
	if owner, ok := s.hub.identity.NickOwner(newNick); ok && owner != s.DID() {
		s.sendNumeric(ERR_NICKNAMEINUSE, s.currentNick(), newNick, "Nickname is reserved")
		return
	}
	if _, taken := s.hub.FindSession(newNick); taken {
		s.sendNumeric(ERR_NICKNAMEINUSE, s.currentNick(), newNick, "Nickname is already in use")
		return
	}

	s.mu.Lock()
	old := s.nick
	s.nick = newNick
	s.mu.Unlock()
	s.hub.claimNick(s, newNick)

	if old == "" {
		s.maybeCompleteRegistration()
		return
	}

	line := (&Message{Prefix: old + "!" + s.user + "@" + s.hub.serverPrefix(), Command: "NICK", Params: []string{newNick}}).String()
	s.broadcastToMyChannels(line)
	s.hub.broadcastEvent(s2s.NewEvent(newEventID(), s.hub.serverPrefix(), s2s.EventNickChange, s2s.NickChangePayload{OldNick: old, NewNick: newNick}))
}

func validNick(n string) bool {
	if n == "" || len(n) > 30 {
		return false
	}
	for i, r := range n {
		if i == 0 && (r >= '0' && r <= '9') {
			return false
		}
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_[]\\^{}|`", r)) {
			return false
		}
	}
	return true
}

func (s *Session) handleUSER(msg *Message) {
	if len(msg.Params) < 4 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, s.currentNick(), "USER", "Not enough parameters")
		return
	}
	s.mu.Lock()
	if s.st == stateRegistered {
		s.mu.Unlock()
		s.sendNumeric(ERR_ALREADYREGISTRED, s.currentNick(), "You may not reregister")
		return
	}
	s.user = msg.Params[0]
	s.realname = msg.Params[3]
	s.mu.Unlock()
	s.maybeCompleteRegistration()
}

func (s *Session) handlePING(msg *Message) {
	token := s.hub.serverPrefix()
	if len(msg.Params) > 0 {
		token = msg.Params[0]
	}
	s.sendRaw((&Message{Prefix: s.hub.serverPrefix(), Command: "PONG", Params: []string{s.hub.serverPrefix(), token}}).String())
}

// maybeCompleteRegistration transitions FRESH/CAP_NEGOTIATING into
// REGISTERED once NICK and USER have both landed and, if CAP negotiation
// was started, CAP END has been seen.
func (s *Session) maybeCompleteRegistration() {
	s.mu.Lock()
	if s.st == stateRegistered || s.st == stateSASLInProgress {
		s.mu.Unlock()
		return
	}
	ready := s.nick != "" && s.user != "" && s.capNegotiationDone
	capsTouched := len(s.capsRequested) > 0
	if !s.capNegotiationDone && !capsTouched && s.nick != "" && s.user != "" {
		ready = true
	}
	if !ready {
		s.mu.Unlock()
		return
	}
	s.st = stateRegistered
	nick := s.nick
	did := s.did
	s.mu.Unlock()

	if did != "" {
		if err := s.hub.identity.Bind(did, nick, s.id); err != nil {
			s.logger.Warn("binding nick to DID", "did", did, "err", err)
		}
	}

	s.sendNumeric(RPL_WELCOME, nick, fmt.Sprintf("Welcome to the freeqd network, %s", nick))
	s.sendNumeric(RPL_YOURHOST, nick, fmt.Sprintf("Your host is %s", s.hub.serverPrefix()))
	s.sendNumeric(RPL_CREATED, nick, "This server was started recently")
	s.sendNumeric(RPL_MYINFO, nick, s.hub.serverPrefix(), "freeqd-0.1", "o", "nt")
	s.sendMOTD()
}

func (s *Session) sendMOTD() {
	nick := s.currentNick()
	if len(s.hub.cfg.MOTD) == 0 {
		s.sendNumeric(ERR_NOMOTD, nick, "MOTD File is missing")
		return
	}
	s.sendNumeric(RPL_MOTDSTART, nick, fmt.Sprintf("- %s Message of the day -", s.hub.serverPrefix()))
	for _, line := range s.hub.cfg.MOTD {
		s.sendNumeric(RPL_MOTD, nick, "- "+line)
	}
	s.sendNumeric(RPL_ENDOFMOTD, nick, "End of MOTD command")
}

func (s *Session) broadcastToMyChannels(line string) {
	for _, name := range s.hub.channels.Names() {
		ch, ok := s.hub.channels.Get(name)
		if !ok || !ch.IsLocalMember(s.id) {
			continue
		}
		s.relayToLocals(ch, line, s.id, true)
	}
}

// relayToLocals sends line to every local member of ch, optionally
// including the originating session (for echo-message).
func (s *Session) relayToLocals(ch *channelreg.Channel, line, originID string, includeSelf bool) {
	for _, sid := range ch.LocalMembers() {
		if sid == originID && !includeSelf {
			continue
		}
		if sess, ok := s.hub.sessionByID(sid); ok {
			sess.sendRaw(line)
		}
	}
}

// relayJoin sends the JOIN announcement to every local member of ch,
// using extLine (carrying account + realname) for recipients that
// negotiated extended-join and plainLine otherwise. The joining session
// itself always sees extLine if it holds the cap, matching echo-message
// semantics for JOIN.
func (s *Session) relayJoin(ch *channelreg.Channel, plainLine, extLine string) {
	for _, sid := range ch.LocalMembers() {
		sess, ok := s.hub.sessionByID(sid)
		if !ok {
			continue
		}
		if sess.hasCap("extended-join") {
			sess.sendRaw(extLine)
		} else {
			sess.sendRaw(plainLine)
		}
	}
}

func (s *Session) handleJOIN(msg *Message) {
	if len(msg.Params) == 0 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, s.currentNick(), "JOIN", "Not enough parameters")
		return
	}
	channels := strings.Split(msg.Params[0], ",")
	var keys []string
	if len(msg.Params) > 1 {
		keys = strings.Split(msg.Params[1], ",")
	}
	for i, channel := range channels {
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		s.joinOne(channel, key)
	}
}

func (s *Session) joinOne(channel, key string) {
	ch, created := s.hub.channels.GetOrCreate(channel)
	did := s.DID()
	nick := s.currentNick()

	if ch.IsBanned(s.identPrefix(), did) {
		s.sendNumeric(ERR_BANNEDFROMCHAN, nick, channel, "Cannot join channel (+b)")
		return
	}

	if !created {
		if wantKey, keySet := ch.Key(); keySet && key != wantKey {
			s.sendNumeric(ERR_BADCHANNELKEY, nick, channel, "Cannot join channel (+k)")
			return
		}
	}

	if !created && ch.IsInviteOnly() {
		invited := ch.ConsumeInvite("nick:"+strings.ToLower(nick)) ||
			(did != "" && ch.ConsumeInvite(did)) ||
			ch.ConsumeInvite(s.id)
		if !invited {
			s.sendNumeric(ERR_INVITEONLYCHAN, nick, channel, "Cannot join channel (+i)")
			return
		}
	}

	grantOp := created || ch.IsTrulyEmpty()
	if did != "" && ch.IsDIDOp(did) {
		grantOp = true
	}

	ch.AddLocalMember(s.id, nick, did)
	if grantOp {
		ch.GrantOp(s.id)
	}

	account := did
	if account == "" {
		account = "*"
	}
	plainLine := (&Message{Prefix: s.identPrefix(), Command: "JOIN", Params: []string{channel}}).String()
	extLine := (&Message{Prefix: s.identPrefix(), Command: "JOIN", Params: []string{channel, account, s.realname}}).String()
	s.relayJoin(ch, plainLine, extLine)

	topic := ch.GetTopic()
	if topic.Text != "" {
		s.sendNumeric(RPL_TOPIC, nick, channel, topic.Text)
	} else {
		s.sendNumeric(RPL_NOTOPIC, nick, channel, "No topic is set")
	}
	s.sendNames(ch, channel)
	s.sendHistory(ch, channel, joinHistoryReplayLimit)

	if created {
		founderDID := did
		s.hub.broadcastEvent(s2s.NewEvent(newEventID(), s.hub.serverPrefix(), s2s.EventChannelCreated, s2s.ChannelCreatedPayload{Channel: channel, FounderDID: founderDID, CreatedAt: time.Now().Unix()}))
	}

	s.hub.broadcastEvent(s2s.NewEvent(newEventID(), s.hub.serverPrefix(), s2s.EventJoin, s2s.JoinPayload{Nick: nick, Channel: channel, DID: did, IsOp: grantOp}))
}

func (s *Session) sendNames(ch *channelreg.Channel, channel string) {
	nick := s.currentNick()
	multiPrefix := s.hasCap("multi-prefix")
	var names []string
	for _, m := range ch.Members() {
		var prefix strings.Builder
		if m.IsOp {
			prefix.WriteByte('@')
		}
		if m.IsVoice && (multiPrefix || !m.IsOp) {
			prefix.WriteByte('+')
		}
		p := prefix.String()
		if !multiPrefix && len(p) > 1 {
			p = p[:1] // highest-status prefix only, per RFC 2812 NAMES without multi-prefix
		}
		names = append(names, p+m.Nick)
	}
	s.sendNumeric(RPL_NAMREPLY, nick, "=", channel, strings.Join(names, " "))
	s.sendNumeric(RPL_ENDOFNAMES, nick, channel, "End of NAMES list")
}

func (s *Session) handlePART(msg *Message) {
	if len(msg.Params) == 0 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, s.currentNick(), "PART", "Not enough parameters")
		return
	}
	reason := ""
	if len(msg.Params) > 1 {
		reason = msg.Params[1]
	}
	for _, channel := range strings.Split(msg.Params[0], ",") {
		s.partOne(channel, reason)
	}
}

func (s *Session) partOne(channel, reason string) {
	ch, ok := s.hub.channels.Get(channel)
	if !ok || !ch.IsLocalMember(s.id) {
		s.sendNumeric(ERR_NOTONCHANNEL, s.currentNick(), channel, "You're not on that channel")
		return
	}
	nick := s.currentNick()
	params := []string{channel}
	if reason != "" {
		params = append(params, reason)
	}
	line := (&Message{Prefix: s.identPrefix(), Command: "PART", Params: params}).String()
	s.relayToLocals(ch, line, s.id, true)
	ch.RemoveLocalMember(s.id)
	s.hub.channels.CollectGarbage(channel)

	s.hub.broadcastEvent(s2s.NewEvent(newEventID(), s.hub.serverPrefix(), s2s.EventPart, s2s.PartPayload{Nick: nick, Channel: channel, Reason: reason}))
}

func (s *Session) handleMessage(msg *Message, notice bool) {
	if len(msg.Params) < 2 {
		return
	}
	target := msg.Params[0]
	text := msg.Params[1]
	s.relayOutgoing(target, text, msg.Tags, notice, false)
}

func (s *Session) handleTagmsg(msg *Message) {
	if len(msg.Params) < 1 {
		return
	}
	s.relayOutgoing(msg.Params[0], "", msg.Tags, false, true)
}

func (s *Session) relayOutgoing(target, text string, tags map[string]string, notice, tagOnly bool) {
	if _, signed := tags[msgSigTag]; signed && s.SignKey() == "" {
		tags = stripTag(tags, msgSigTag)
	}
	nick := s.currentNick()
	cmd := "PRIVMSG"
	if notice {
		cmd = "NOTICE"
	} else if tagOnly {
		cmd = "TAGMSG"
	}
	out := &Message{Tags: tags, Prefix: s.identPrefix(), Command: cmd, Params: []string{target}}
	if !tagOnly {
		out.Params = append(out.Params, text)
	}
	line := out.String()

	if strings.HasPrefix(target, "#") {
		ch, ok := s.hub.channels.Get(target)
		if !ok {
			s.sendNumeric(ERR_NOSUCHCHANNEL, nick, target, "No such channel")
			return
		}
		if !ch.IsLocalMember(s.id) {
			s.sendNumeric(ERR_CANNOTSENDTOCHAN, nick, target, "Cannot send to channel")
			return
		}
		s.relayToLocals(ch, line, s.id, s.hasCap("echo-message"))
		if !tagOnly {
			ch.AppendHistory(channelreg.HistoryEntry{Sender: nick, Text: text, Timestamp: time.Now(), Tags: tags, MsgID: newEventID()})
		}
	} else {
		if target2, ok := s.hub.FindSession(target); ok {
			if s.hasCap("echo-message") {
				s.sendRaw(line)
			}
			target2.sendRaw(line)
		}
	}

	s.hub.broadcastEvent(s2s.NewEvent(newEventID(), s.hub.serverPrefix(), s2s.EventPrivmsg, s2s.PrivmsgPayload{From: nick, Target: target, Text: text, MsgID: newEventID(), Tags: tags, Notice: notice, TagOnly: tagOnly}))
}

// stripTag returns a copy of tags with key removed, leaving the original
// map (which may be the inbound Message's own Tags) untouched.
func stripTag(tags map[string]string, key string) map[string]string {
	if _, ok := tags[key]; !ok {
		return tags
	}
	out := make(map[string]string, len(tags)-1)
	for k, v := range tags {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func (s *Session) handleTOPIC(msg *Message) {
	if len(msg.Params) == 0 {
		return
	}
	channel := msg.Params[0]
	ch, ok := s.hub.channels.Get(channel)
	if !ok {
		s.sendNumeric(ERR_NOSUCHCHANNEL, s.currentNick(), channel, "No such channel")
		return
	}
	if len(msg.Params) == 1 {
		t := ch.GetTopic()
		if t.Text == "" {
			s.sendNumeric(RPL_NOTOPIC, s.currentNick(), channel, "No topic is set")
		} else {
			s.sendNumeric(RPL_TOPIC, s.currentNick(), channel, t.Text)
		}
		return
	}
	if !s.canSetTopic(ch) {
		s.sendNumeric(ERR_CHANOPRIVSNEEDED, s.currentNick(), channel, "You're not a channel operator")
		return
	}
	text := msg.Params[1]
	nick := s.currentNick()
	ch.SetTopic(text, nick)
	if err := s.hub.doc.SetTopic(channel, text, nick, s.DID(), s.hub.serverPrefix()); err != nil {
		s.logger.Warn("recording topic in crdt", "err", err)
	}
	line := (&Message{Prefix: s.identPrefix(), Command: "TOPIC", Params: []string{channel, text}}).String()
	s.relayToLocals(ch, line, s.id, true)
	s.hub.broadcastEvent(s2s.NewEvent(newEventID(), s.hub.serverPrefix(), s2s.EventTopic, s2s.TopicPayload{Channel: channel, Text: text, SetBy: nick, SetByDID: s.DID()}))
}

func (s *Session) canSetTopic(ch *channelreg.Channel) bool {
	if !ch.TopicLocked() {
		return true
	}
	return ch.IsOp(s.id) || (s.DID() != "" && ch.IsDIDOp(s.DID()))
}

func (s *Session) handleMODE(msg *Message) {
	if len(msg.Params) == 0 {
		return
	}
	target := msg.Params[0]
	if !strings.HasPrefix(target, "#") {
		s.sendNumeric(RPL_UMODEIS, s.currentNick(), "+")
		return
	}
	ch, ok := s.hub.channels.Get(target)
	if !ok {
		s.sendNumeric(ERR_NOSUCHCHANNEL, s.currentNick(), target, "No such channel")
		return
	}
	if len(msg.Params) == 1 {
		s.sendNumeric(RPL_CHANNELMODEIS, s.currentNick(), target, ch.ModeString())
		return
	}
	change := msg.Params[1]
	if len(change) < 2 || (change[0] != '+' && change[0] != '-') {
		return
	}
	if !ch.IsOp(s.id) && !(s.DID() != "" && ch.IsDIDOp(s.DID())) {
		s.sendNumeric(ERR_CHANOPRIVSNEEDED, s.currentNick(), target, "You're not a channel operator")
		return
	}
	granting := change[0] == '+'
	flag := change[1]

	switch flag {
	case 'o':
		if len(msg.Params) < 3 {
			return
		}
		s.applyOpChange(ch, target, msg.Params[2], granting, fmt.Sprintf("%c%c", change[0], flag))
		return
	case 'v':
		if len(msg.Params) < 3 {
			return
		}
		s.applyVoiceChange(ch, target, msg.Params[2], granting)
		return
	case 'n', 't', 'i', 'm':
		s.applyBooleanMode(ch, flag, granting)
	case 'b':
		if len(msg.Params) < 3 {
			return
		}
		s.applyBanChange(ch, msg.Params[2], granting)
	case 'k':
		key := ""
		if len(msg.Params) >= 3 {
			key = msg.Params[2]
		}
		s.applyKeyChange(ch, key, granting)
	default:
		s.sendNumeric(ERR_UNKNOWNMODE, s.currentNick(), string(flag), "is unknown mode char")
		return
	}
	params := []string{target, change}
	if (flag == 'b' || flag == 'k') && len(msg.Params) >= 3 {
		params = append(params, msg.Params[2])
	}
	line := (&Message{Prefix: s.identPrefix(), Command: "MODE", Params: params}).String()
	s.relayToLocals(ch, line, s.id, true)
}

func (s *Session) applyBooleanMode(ch *channelreg.Channel, flag byte, on bool) {
	ch.SetMode(flag, on)
}

func (s *Session) applyBanChange(ch *channelreg.Channel, mask string, granting bool) {
	if granting {
		ch.AddBan(mask)
	} else {
		ch.RemoveBan(mask)
	}
}

func (s *Session) applyKeyChange(ch *channelreg.Channel, key string, granting bool) {
	if granting {
		ch.SetKey(key)
	} else {
		ch.ClearKey()
	}
}

func (s *Session) applyOpChange(ch *channelreg.Channel, channel, targetNick string, granting bool, change string) {
	target, ok := s.hub.FindSession(targetNick)
	if !ok {
		s.sendNumeric(ERR_NOSUCHNICK, s.currentNick(), targetNick, "No such nick")
		return
	}
	targetDID := target.DID()
	if granting {
		if targetDID != "" && s.hub.doc.ValidateOpGrantAuthority(channel, s.DID(), s.hub.cfg.RequireDIDForOps) {
			_ = s.hub.doc.GrantOp(channel, targetDID, s.DID(), s.hub.serverPrefix())
		}
		ch.GrantOp(target.id)
	} else {
		if targetDID != "" {
			_ = s.hub.doc.RevokeOp(channel, targetDID)
		}
		ch.RevokeOp(target.id)
	}
	line := (&Message{Prefix: s.identPrefix(), Command: "MODE", Params: []string{channel, change, targetNick}}).String()
	s.relayToLocals(ch, line, s.id, true)
	s.hub.broadcastEvent(s2s.NewEvent(newEventID(), s.hub.serverPrefix(), s2s.EventMode, s2s.ModePayload{Channel: channel, Change: change, Target: targetNick, TargetDID: targetDID, SetBy: s.currentNick()}))
}

func (s *Session) applyVoiceChange(ch *channelreg.Channel, channel, targetNick string, granting bool) {
	target, ok := s.hub.FindSession(targetNick)
	if !ok {
		s.sendNumeric(ERR_NOSUCHNICK, s.currentNick(), targetNick, "No such nick")
		return
	}
	if granting {
		ch.GrantVoice(target.id)
	} else {
		ch.RevokeVoice(target.id)
	}
}

func (s *Session) handleKICK(msg *Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel, targetNick := msg.Params[0], msg.Params[1]
	reason := targetNick
	if len(msg.Params) > 2 {
		reason = msg.Params[2]
	}
	ch, ok := s.hub.channels.Get(channel)
	if !ok {
		s.sendNumeric(ERR_NOSUCHCHANNEL, s.currentNick(), channel, "No such channel")
		return
	}
	if !ch.IsOp(s.id) && !(s.DID() != "" && ch.IsDIDOp(s.DID())) {
		s.sendNumeric(ERR_CHANOPRIVSNEEDED, s.currentNick(), channel, "You're not a channel operator")
		return
	}
	target, ok := s.hub.FindSession(targetNick)
	if !ok || !ch.IsLocalMember(target.id) {
		s.sendNumeric(ERR_NOSUCHNICK, s.currentNick(), targetNick, "No such nick")
		return
	}
	line := (&Message{Prefix: s.identPrefix(), Command: "KICK", Params: []string{channel, targetNick, reason}}).String()
	s.relayToLocals(ch, line, s.id, true)
	ch.RemoveLocalMember(target.id)

	s.hub.broadcastEvent(s2s.NewEvent(newEventID(), s.hub.serverPrefix(), s2s.EventKick, s2s.KickPayload{Channel: channel, Target: targetNick, Kicker: s.currentNick(), Reason: reason}))
}

func (s *Session) handleINVITE(msg *Message) {
	if len(msg.Params) < 2 {
		return
	}
	targetNick, channel := msg.Params[0], msg.Params[1]
	ch, ok := s.hub.channels.Get(channel)
	if !ok {
		s.sendNumeric(ERR_NOSUCHCHANNEL, s.currentNick(), channel, "No such channel")
		return
	}
	target, ok := s.hub.FindSession(targetNick)
	if !ok {
		s.sendNumeric(ERR_NOSUCHNICK, s.currentNick(), targetNick, "No such nick")
		return
	}
	ch.AddInvite("nick:" + strings.ToLower(targetNick))
	ch.AddInvite(target.id)
	if did := target.DID(); did != "" {
		ch.AddInvite(did)
	}
	s.sendNumeric(RPL_INVITING, s.currentNick(), targetNick, channel)
	target.sendRaw((&Message{Prefix: s.identPrefix(), Command: "INVITE", Params: []string{targetNick, channel}}).String())
}

func (s *Session) handleNAMES(msg *Message) {
	if len(msg.Params) == 0 {
		return
	}
	ch, ok := s.hub.channels.Get(msg.Params[0])
	if !ok {
		return
	}
	s.sendNames(ch, msg.Params[0])
}

func (s *Session) handleLIST(msg *Message) {
	s.sendNumeric(RPL_LISTSTART, s.currentNick(), "Channel", "Users Name")
	for _, name := range s.hub.channels.Names() {
		ch, ok := s.hub.channels.Get(name)
		if !ok {
			continue
		}
		t := ch.GetTopic()
		s.sendNumeric(RPL_LIST, s.currentNick(), name, fmt.Sprintf("%d", ch.LocalMemberCount()), t.Text)
	}
	s.sendNumeric(RPL_LISTEND, s.currentNick(), "End of LIST")
}

func (s *Session) handleWHO(msg *Message) {
	nick := s.currentNick()
	if len(msg.Params) == 0 {
		s.sendNumeric(RPL_ENDOFWHO, nick, "*", "End of WHO list")
		return
	}
	target := msg.Params[0]
	if ch, ok := s.hub.channels.Get(target); ok {
		for _, m := range ch.Members() {
			s.sendNumeric(RPL_WHOREPLY, nick, target, "user", s.hub.serverPrefix(), s.hub.serverPrefix(), m.Nick, "H", "0 "+m.Nick)
		}
	}
	s.sendNumeric(RPL_ENDOFWHO, nick, target, "End of WHO list")
}

func (s *Session) handleWHOIS(msg *Message) {
	nick := s.currentNick()
	if len(msg.Params) == 0 {
		return
	}
	target, ok := s.hub.FindSession(msg.Params[0])
	if !ok {
		s.sendNumeric(ERR_NOSUCHNICK, nick, msg.Params[0], "No such nick")
		return
	}
	host := s.hub.serverPrefix()
	if did := target.DID(); did != "" {
		host = "identity/" + did
	}
	s.sendNumeric(RPL_WHOISUSER, nick, target.Nick(), target.user, host, "*", target.realname)
	s.sendNumeric(RPL_WHOISSERVER, nick, target.Nick(), s.hub.serverPrefix(), "freeqd network")
	s.sendNumeric(RPL_ENDOFWHOIS, nick, target.Nick(), "End of WHOIS list")
}

func (s *Session) handleAWAY(msg *Message) {
	nick := s.currentNick()
	s.mu.Lock()
	if len(msg.Params) == 0 || msg.Params[0] == "" {
		s.awayMessage = ""
		s.mu.Unlock()
		s.sendNumeric(RPL_UNAWAY, nick, "You are no longer marked as being away")
		s.broadcastToMyChannelsCapAware("away-notify", (&Message{Prefix: s.identPrefix(), Command: "AWAY"}).String())
		return
	}
	awayText := msg.Params[0]
	s.awayMessage = awayText
	s.mu.Unlock()
	s.sendNumeric(RPL_NOWAWAY, nick, "You have been marked as being away")
	s.broadcastToMyChannelsCapAware("away-notify", (&Message{Prefix: s.identPrefix(), Command: "AWAY", Params: []string{awayText}}).String())
}

// broadcastToMyChannelsCapAware sends line to every other local member of
// every channel this session belongs to that has negotiated capName —
// the gating pattern behind away-notify and account-notify.
func (s *Session) broadcastToMyChannelsCapAware(capName, line string) {
	for _, name := range s.hub.channels.Names() {
		ch, ok := s.hub.channels.Get(name)
		if !ok || !ch.IsLocalMember(s.id) {
			continue
		}
		for _, sid := range ch.LocalMembers() {
			if sid == s.id {
				continue
			}
			if sess, ok := s.hub.sessionByID(sid); ok && sess.hasCap(capName) {
				sess.sendRaw(line)
			}
		}
	}
}

func (s *Session) handlePIN(msg *Message) {
	if len(msg.Params) < 2 {
		return
	}
	ch, ok := s.hub.channels.Get(msg.Params[0])
	if !ok {
		s.sendNumeric(ERR_NOSUCHCHANNEL, s.currentNick(), msg.Params[0], "No such channel")
		return
	}
	if !ch.IsOp(s.id) && !(s.DID() != "" && ch.IsDIDOp(s.DID())) {
		s.sendNumeric(ERR_CHANOPRIVSNEEDED, s.currentNick(), msg.Params[0], "You're not a channel operator")
		return
	}
	ch.AddPin(msg.Params[1])
}

func (s *Session) handleUNPIN(msg *Message) {
	if len(msg.Params) < 2 {
		return
	}
	ch, ok := s.hub.channels.Get(msg.Params[0])
	if !ok {
		return
	}
	if !ch.IsOp(s.id) && !(s.DID() != "" && ch.IsDIDOp(s.DID())) {
		s.sendNumeric(ERR_CHANOPRIVSNEEDED, s.currentNick(), msg.Params[0], "You're not a channel operator")
		return
	}
	ch.RemovePin(msg.Params[1])
}

func (s *Session) handlePINS(msg *Message) {
	if len(msg.Params) < 1 {
		return
	}
	ch, ok := s.hub.channels.Get(msg.Params[0])
	if !ok {
		return
	}
	for _, id := range ch.Pins() {
		s.sendRaw((&Message{Command: "PINS", Params: []string{msg.Params[0], id}}).String())
	}
}

// joinHistoryReplayLimit bounds how many history-ring entries are replayed
// automatically on JOIN, independent of an explicit CHATHISTORY request's
// own limit.
const joinHistoryReplayLimit = 20

// sendHistory replays up to limit entries (newest-bounded) from ch's
// history ring to this session, wrapped in a BATCH when negotiated so
// clients with draft/chathistory support can distinguish replay from live
// traffic; tagged with server-time when negotiated.
func (s *Session) sendHistory(ch *channelreg.Channel, channel string, limit int) {
	entries := ch.History()
	if limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	if len(entries) == 0 {
		return
	}
	useBatch := s.hasCap("batch")
	batchID := newEventID()
	if useBatch {
		s.sendRaw((&Message{Prefix: s.hub.serverPrefix(), Command: "BATCH", Params: []string{"+" + batchID, "chathistory", channel}}).String())
	}
	for _, e := range entries {
		tags := make(map[string]string, len(e.Tags)+2)
		for k, v := range e.Tags {
			tags[k] = v
		}
		if useBatch {
			tags["batch"] = batchID
		}
		if s.hasCap("server-time") {
			tags["time"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
		}
		s.sendRaw((&Message{Tags: tags, Prefix: e.Sender, Command: "PRIVMSG", Params: []string{channel, e.Text}}).String())
	}
	if useBatch {
		s.sendRaw((&Message{Command: "BATCH", Params: []string{"-" + batchID}}).String())
	}
}

// handleCHATHISTORY replays bounded history from a channel's ring on
// explicit request: CHATHISTORY <channel> [<limit>].
func (s *Session) handleCHATHISTORY(msg *Message) {
	if len(msg.Params) == 0 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, s.currentNick(), "CHATHISTORY", "Not enough parameters")
		return
	}
	channel := msg.Params[0]
	limit := joinHistoryReplayLimit
	if len(msg.Params) > 1 {
		if n, err := strconv.Atoi(msg.Params[1]); err == nil && n > 0 {
			limit = n
		}
	}
	ch, ok := s.hub.channels.Get(channel)
	if !ok {
		s.sendNumeric(ERR_NOSUCHCHANNEL, s.currentNick(), channel, "No such channel")
		return
	}
	s.sendHistory(ch, channel, limit)
}

// handleMSGSIG registers the session's ed25519 message-signing public key
// (DID-authenticated sessions only). Outbound PRIVMSG/NOTICE from this
// session may then carry a "+freeq.at/sig" tag; relayOutgoing strips that
// tag from any session with no registered key, so a forged signature claim
// never reaches other clients.
func (s *Session) handleMSGSIG(msg *Message) {
	fail := func(code, text string) {
		s.sendRaw((&Message{Prefix: s.hub.serverPrefix(), Command: "FAIL", Params: []string{"MSGSIG", code, text}}).String())
	}
	if len(msg.Params) == 0 {
		fail("NEED_MORE_PARAMS", "Expected a hex-encoded ed25519 public key")
		return
	}
	if s.DID() == "" {
		fail("NOT_AUTHENTICATED", "Must be DID-authenticated to register a signing key")
		return
	}
	raw, err := hex.DecodeString(msg.Params[0])
	if err != nil || len(raw) != ed25519.PublicKeySize {
		fail("INVALID_KEY", "Expected a 32-byte hex-encoded ed25519 public key")
		return
	}
	s.mu.Lock()
	s.signKeyHex = strings.ToLower(msg.Params[0])
	s.mu.Unlock()
	s.sendRaw((&Message{Prefix: s.hub.serverPrefix(), Command: "MSGSIG", Params: []string{"OK"}}).String())
}

// handlePOLICY reports the server's federation policy summary as a single
// NOTICE: whether DID authority is required for op grants (strict) or
// admitted provisionally (permissive), and the advertised capability menu.
func (s *Session) handlePOLICY(msg *Message) {
	mode := "permissive"
	if s.hub.cfg.RequireDIDForOps {
		mode = "strict"
	}
	text := fmt.Sprintf("require_did_for_ops=%t mode=%s caps=%s", s.hub.cfg.RequireDIDForOps, mode, strings.Join(supportedCaps, ","))
	s.sendRaw((&Message{Prefix: s.hub.serverPrefix(), Command: "NOTICE", Params: []string{s.currentNick(), text}}).String())
}

// handleOPER grants operator status (RPL_YOUREOPER) to a session
// presenting the server's configured oper password. An empty configured
// password disables OPER entirely (ERR_NOOPERHOST).
func (s *Session) handleOPER(msg *Message) {
	nick := s.currentNick()
	if s.hub.cfg.OperPassword == "" {
		s.sendNumeric(ERR_NOOPERHOST, nick, "No O-lines for your host")
		return
	}
	if len(msg.Params) < 2 {
		s.sendNumeric(ERR_NEEDMOREPARAMS, nick, "OPER", "Not enough parameters")
		return
	}
	if msg.Params[1] != s.hub.cfg.OperPassword {
		s.sendNumeric(ERR_PASSWDMISMATCH, nick, "Password incorrect")
		return
	}
	s.mu.Lock()
	s.isOper = true
	s.mu.Unlock()
	s.sendNumeric(RPL_YOUREOPER, nick, "You are now an IRC operator")
}

// newEventID generates a new S2S event ID. ULIDs sort roughly by creation
// time, which lets the dedup window and reconciliation logs stay ordered
// without a central sequence across federation peers.
func newEventID() string {
	return models.NewULID().String()
}
