package discord

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchyard/internal/telegraph"
)

// render builds the MessageSend for msg: text as content, operator events
// and media as embeds.
func render(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{
		Content: msg.Text,
		Embeds:  make([]*discordgo.MessageEmbed, 0, len(msg.Events)+len(msg.Attachments)),
	}
	for _, ev := range msg.Events {
		data.Embeds = append(data.Embeds, eventEmbed(ev))
	}
	for _, m := range msg.Attachments {
		data.Embeds = append(data.Embeds, mediaEmbed(m))
	}
	return data
}

func eventEmbed(ev telegraph.FormattedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       ev.Title,
		Description: ev.Body,
		Color:       color(ev.Color),
	}
	for _, f := range ev.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
	}
	return embed
}

// mediaEmbed shows images inline and links everything else.
func mediaEmbed(m telegraph.Attachment) *discordgo.MessageEmbed {
	label := m.Title
	if label == "" {
		label = m.URL
	}
	embed := &discordgo.MessageEmbed{Title: label, URL: m.URL}
	if m.Type == "image" {
		embed.Image = &discordgo.MessageEmbedImage{URL: m.URL}
	}
	return embed
}

// color parses "#rrggbb" or "rrggbb". Anything else leaves the embed
// uncolored.
func color(hex string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil || v > 0xffffff {
		return 0
	}
	return int(v)
}
